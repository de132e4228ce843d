/*
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.
*/

// Package pop3 implements a POP3 server (RFC 1939) that lists and
// retrieves a mailbox's messages and expunges on QUIT/Update. Backed
// directly by internal/store, without a shared IMAP-mailbox cache (see
// DESIGN.md) since there is no IMAP mailbox abstraction shared between
// components here.
package pop3

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/kiwiz/popgun"
	pop3backend "github.com/kiwiz/popgun/backends"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/metrics"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

// Session is cached per authenticated connection: the message list is
// snapshotted at Lock time so message numbers stay stable for the
// duration of the session, per RFC 1939 §5.
type Session struct {
	mailbox  model.Mailbox
	messages []model.Message
	deleted  map[int]bool
}

type Endpoint struct {
	addr     string
	meta     store.MetaStore
	blobs    store.BlobStore
	verifier *auth.Verifier
	log      log.Logger

	serv     *popgun.Server
	listener net.Listener

	lockMu      sync.Mutex
	activeUsers map[string]bool
}

func New(addr string, meta store.MetaStore, blobs store.BlobStore, verifier *auth.Verifier, logger log.Logger) *Endpoint {
	return &Endpoint{
		addr:        addr,
		meta:        meta,
		blobs:       blobs,
		verifier:    verifier,
		log:         logger,
		activeUsers: make(map[string]bool),
	}
}

func (e *Endpoint) ListenAndServe() error {
	e.serv = popgun.NewServer(e, e)

	l, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.listener = l

	go func() {
		if err := e.serv.Serve(l); err != nil {
			e.log.Error("serve failed", err)
		}
	}()
	return nil
}

func (e *Endpoint) Close() error {
	if e.listener == nil {
		return nil
	}
	return e.listener.Close()
}

func (e *Endpoint) session(user pop3backend.User) (*Session, error) {
	sess, ok := user.(*Session)
	if !ok {
		return nil, fmt.Errorf("pop3: internal server error")
	}
	return sess, nil
}

// Authorize implements popgun.Authorizator.
func (e *Endpoint) Authorize(conn net.Conn, user, pass string) (pop3backend.User, error) {
	if err := e.verifier.Authenticate(context.Background(), user, pass); err != nil {
		metrics.POP3Sessions.WithLabelValues("auth_failed").Inc()
		e.log.Error("authentication failed", err, "username", user, "src_ip", conn.RemoteAddr())
		return nil, fmt.Errorf("pop3: authentication failed")
	}

	mbox, err := e.meta.GetMailboxByAddress(context.Background(), user)
	if err != nil {
		return nil, fmt.Errorf("pop3: no mailbox for %s", user)
	}

	return &Session{mailbox: mbox, deleted: make(map[int]bool)}, nil
}

func (e *Endpoint) Stat(user pop3backend.User) (messages, octets int, err error) {
	sess, err := e.session(user)
	if err != nil {
		return 0, 0, err
	}
	size := 0
	for i, m := range sess.messages {
		if sess.deleted[i+1] {
			continue
		}
		size += int(m.Size)
	}
	return len(sess.messages) - len(sess.deleted), size, nil
}

func (e *Endpoint) List(user pop3backend.User) (octets []int, err error) {
	sess, err := e.session(user)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(sess.messages))
	for i, m := range sess.messages {
		if sess.deleted[i+1] {
			continue
		}
		out = append(out, int(m.Size))
	}
	return out, nil
}

func (e *Endpoint) ListMessage(user pop3backend.User, msgId int) (exists bool, octets int, err error) {
	sess, err := e.session(user)
	if err != nil {
		return false, 0, err
	}
	if msgId < 1 || msgId > len(sess.messages) || sess.deleted[msgId] {
		return false, 0, nil
	}
	return true, int(sess.messages[msgId-1].Size), nil
}

func (e *Endpoint) Retr(user pop3backend.User, msgId int) (message string, err error) {
	sess, err := e.session(user)
	if err != nil {
		return "", err
	}
	if msgId < 1 || msgId > len(sess.messages) || sess.deleted[msgId] {
		return "", fmt.Errorf("pop3: no such message")
	}

	r, err := e.blobs.Open(context.Background(), sess.messages[msgId-1].BlobPath)
	if err != nil {
		return "", fmt.Errorf("pop3: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("pop3: %w", err)
	}
	return string(raw), nil
}

func (e *Endpoint) Dele(user pop3backend.User, msgId int) error {
	sess, err := e.session(user)
	if err != nil {
		return err
	}
	if msgId < 1 || msgId > len(sess.messages) {
		return fmt.Errorf("pop3: no such message")
	}
	sess.deleted[msgId] = true
	return nil
}

func (e *Endpoint) Rset(user pop3backend.User) error {
	sess, err := e.session(user)
	if err != nil {
		return err
	}
	sess.deleted = make(map[int]bool)
	return nil
}

func (e *Endpoint) Uidl(user pop3backend.User) (uids []string, err error) {
	sess, err := e.session(user)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sess.messages))
	for i, m := range sess.messages {
		if sess.deleted[i+1] {
			continue
		}
		out = append(out, m.ID.String())
	}
	return out, nil
}

func (e *Endpoint) UidlMessage(user pop3backend.User, msgId int) (exists bool, uid string, err error) {
	sess, err := e.session(user)
	if err != nil {
		return false, "", err
	}
	if msgId < 1 || msgId > len(sess.messages) || sess.deleted[msgId] {
		return false, "", nil
	}
	return true, sess.messages[msgId-1].ID.String(), nil
}

// Update expunges every message marked Dele'd, per RFC 1939 §7.
func (e *Endpoint) Update(user pop3backend.User) error {
	sess, err := e.session(user)
	if err != nil {
		return err
	}
	for msgId := range sess.deleted {
		if msgId < 1 || msgId > len(sess.messages) {
			continue
		}
		if err := e.meta.DeleteMessage(context.Background(), sess.messages[msgId-1].ID); err != nil {
			return fmt.Errorf("pop3: expunge %s: %w", strconv.Itoa(msgId), err)
		}
	}
	return nil
}

// Top is unimplemented: partial-message retrieval needs MIME-aware line
// counting this package doesn't do yet.
func (e *Endpoint) Top(user pop3backend.User, msgId int, n int) (lines []string, err error) {
	return nil, fmt.Errorf("pop3: unimplemented")
}

// Lock snapshots the mailbox's message list, enforcing RFC 1939's "only
// one session at a time per maildrop" rule.
func (e *Endpoint) Lock(user pop3backend.User) error {
	sess, err := e.session(user)
	if err != nil {
		return err
	}

	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	key := sess.mailbox.ID.String()
	if e.activeUsers[key] {
		return fmt.Errorf("pop3: mailbox already locked by another session")
	}
	e.activeUsers[key] = true

	msgs, err := e.meta.ListMailboxMessages(context.Background(), sess.mailbox.ID)
	if err != nil {
		delete(e.activeUsers, key)
		return fmt.Errorf("pop3: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	sess.messages = msgs

	metrics.POP3Sessions.WithLabelValues("started").Inc()
	return nil
}

func (e *Endpoint) Unlock(user pop3backend.User) error {
	sess, err := e.session(user)
	if err != nil {
		return err
	}

	if err := e.Update(user); err != nil {
		e.log.Error("pop3: expunge on unlock failed", err)
	}

	e.lockMu.Lock()
	delete(e.activeUsers, sess.mailbox.ID.String())
	e.lockMu.Unlock()

	metrics.POP3Sessions.WithLabelValues("completed").Inc()
	return nil
}
