/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

// Package remote implements outbound SMTP relay: MX lookup,
// connect-in-priority-order, opportunistic STARTTLS, and classification
// of the remote server's reply into Delivered/SoftFail/HardFail.
// Adapted from a teacher smtpconn client wrapper, rebuilt against the
// minimal exterrors.SMTPError shape this module actually carries (no
// Misc/Err/Reason/CheckName fields).
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/miekg/dns"

	"github.com/mailcove/coremail/framework/exterrors"
	"github.com/mailcove/coremail/framework/log"
)

// Relay delivers messages to remote MX hosts on behalf of locally
// authenticated senders. It performs no DANE or MTA-STS verification
// (dropped dependencies, see DESIGN.md) — it proceeds with whatever TLS
// the remote offers, or none.
type Relay struct {
	Hostname string // used as the EHLO/HELO identity
	Timeout  time.Duration
	Log      log.Logger
}

type mxHost struct {
	host string
	pref uint16
}

// lookupMX resolves MX records for domain via a direct miekg/dns query
// against the system resolver, sorted ascending by preference, falling
// back to the domain's own A/AAAA record (RFC 5321 §5.1) if it publishes
// no MX records at all.
func lookupMX(ctx context.Context, domain string) ([]string, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return lookupMXFallback(domain)
	}

	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return lookupMXFallback(domain)
	}

	var hosts []mxHost
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			hosts = append(hosts, mxHost{host: mx.Mx, pref: mx.Preference})
		}
	}
	if len(hosts) == 0 {
		return lookupMXFallback(domain)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].pref < hosts[j].pref })

	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.host
	}
	return out, nil
}

func lookupMXFallback(domain string) ([]string, error) {
	if _, err := net.LookupHost(domain); err != nil {
		return nil, fmt.Errorf("remote: no MX or A record for %s: %w", domain, err)
	}
	return []string{dns.Fqdn(domain)}, nil
}

// Deliver relays body (a full RFC 5322 message, as stored) to rcpt,
// attempting each of the recipient domain's MX hosts in priority order
// until one accepts the connection. Any error returned is either an
// *exterrors.SMTPError (classified Temporary() per its Code) or a plain
// connection-level error, which callers should treat as SoftFail.
func (r *Relay) Deliver(ctx context.Context, from, rcpt string, body io.Reader) error {
	_, domain, err := splitAddr(rcpt)
	if err != nil {
		return &exterrors.SMTPError{Code: 501, EnhancedCode: exterrors.EnhancedCode{5, 1, 3}, Message: "malformed recipient", Kind: exterrors.KindValidation}
	}

	hosts, err := lookupMX(ctx, domain)
	if err != nil {
		return &exterrors.SMTPError{Code: 450, EnhancedCode: exterrors.EnhancedCode{4, 4, 4}, Message: err.Error(), Kind: exterrors.KindDBTransient}
	}

	var lastErr error
	for _, host := range hosts {
		attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		err := r.deliverToHost(attemptCtx, host, from, rcpt, body)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if se, ok := err.(*exterrors.SMTPError); ok && !se.Temporary() {
			// Hard failure from a server that did answer: do not keep
			// trying other MX hosts for the same domain.
			return se
		}
	}
	return lastErr
}

func (r *Relay) deliverToHost(ctx context.Context, host, from, rcpt string, body io.Reader) error {
	addr := net.JoinHostPort(host, "25")
	dialer := net.Dialer{Timeout: r.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: connect %s: %w", addr, err)
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("remote: handshake %s: %w", addr, err)
	}
	defer cl.Close()

	if err := cl.Hello(r.Hostname); err != nil {
		return classify(err)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: host}
		if err := cl.StartTLS(tlsCfg); err != nil {
			r.Log.Error("opportunistic STARTTLS failed, continuing in cleartext", err, "host", host)
		}
	}

	if err := cl.Mail(from, nil); err != nil {
		return classify(err)
	}
	if err := cl.Rcpt(rcpt, nil); err != nil {
		return classify(err)
	}
	w, err := cl.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}
	return cl.Quit()
}

// classify maps a go-smtp client error onto our own SMTPError taxonomy so
// the queue worker never has to type-switch on the transport library.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*smtp.SMTPError); ok {
		kind := exterrors.KindInternal
		if se.Code/100 == 4 {
			kind = exterrors.KindDBTransient
		} else if se.Code/100 == 5 {
			kind = exterrors.KindValidation
		}
		return &exterrors.SMTPError{
			Code:         se.Code,
			EnhancedCode: exterrors.EnhancedCode(se.EnhancedCode),
			Message:      se.Message,
			Kind:         kind,
		}
	}
	// Connection-level errors (timeout, refused, reset) are always
	// retriable: the remote never got to reply with a status code.
	return &exterrors.SMTPError{
		Code:         450,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      err.Error(),
		Kind:         exterrors.KindDBTransient,
	}
}

func splitAddr(addr string) (local, domain string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("remote: %q has no domain part", addr)
}
