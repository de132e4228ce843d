/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

// Package openmetrics exposes the collectors registered in internal/metrics
// over plain HTTP for scraping.
package openmetrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailcove/coremail/framework/log"
)

type Endpoint struct {
	Addr string
	Log  log.Logger

	serv http.Server
	wg   sync.WaitGroup
}

func New(addr string) *Endpoint {
	return &Endpoint{Addr: addr, Log: log.Logger{Name: "openmetrics"}}
}

func (e *Endpoint) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = mux

	l, err := net.Listen("tcp", e.Addr)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Log.Println("listening on", e.Addr)
		if err := e.serv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("serve failed", err)
		}
	}()
	return nil
}

func (e *Endpoint) Close() error {
	err := e.serv.Shutdown(context.Background())
	e.wg.Wait()
	return err
}
