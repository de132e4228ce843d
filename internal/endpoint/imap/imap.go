// Package imap implements a read-only IMAP4rev1 session
// (CAPABILITY/LOGIN/LIST/SELECT/FETCH/SEARCH) over the same internal/store
// view internal/endpoint/pop3 uses. There is exactly one mailbox per
// address — INBOX — matching the flat Mailbox entity this module stores;
// this package adds no folder hierarchy on top of it.
package imap

import (
	"context"
	"net"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	imapserver "github.com/emersion/go-imap/server"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/metrics"
	"github.com/mailcove/coremail/internal/store"
)

type Endpoint struct {
	addr     string
	meta     store.MetaStore
	blobs    store.BlobStore
	verifier *auth.Verifier
	log      log.Logger

	serv     *imapserver.Server
	listener net.Listener
}

func New(addr string, meta store.MetaStore, blobs store.BlobStore, verifier *auth.Verifier, logger log.Logger) *Endpoint {
	return &Endpoint{
		addr:     addr,
		meta:     meta,
		blobs:    blobs,
		verifier: verifier,
		log:      logger,
	}
}

func (e *Endpoint) ListenAndServe() error {
	e.serv = imapserver.New(backendImpl{e})
	e.serv.AllowInsecureAuth = true // TLS termination, where required, happens in front of this listener

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
	if e.serv == nil {
		return nil
	}
	return e.serv.Close()
}

// backendImpl adapts Endpoint to backend.Backend.
type backendImpl struct{ endp *Endpoint }

func (b backendImpl) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	ctx := context.Background()
	if err := b.endp.verifier.Authenticate(ctx, username, password); err != nil {
		metrics.IMAPSessions.WithLabelValues("auth_failed").Inc()
		b.endp.log.Error("authentication failed", err, "username", username, "src_ip", connInfo.RemoteAddr)
		return nil, backend.ErrInvalidCredentials
	}

	mbox, err := b.endp.meta.GetMailboxByAddress(ctx, username)
	if err != nil {
		metrics.IMAPSessions.WithLabelValues("auth_failed").Inc()
		return nil, backend.ErrInvalidCredentials
	}

	metrics.IMAPSessions.WithLabelValues("started").Inc()
	return &User{endp: b.endp, username: username, mailbox: mbox}, nil
}
