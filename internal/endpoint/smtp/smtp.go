// Package smtp implements the inbound MX (port 25), authenticated
// submission (port 587) and LMTP listeners. All share one Endpoint/Session
// implementation; Config.Submission and Config.LMTP are the behavior
// switches, Config.Submission enforcing the anti-relay rule described on
// Session.Rcpt.
package smtp

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailcove/coremail/framework/buffer"
	"github.com/mailcove/coremail/framework/dns"
	"github.com/mailcove/coremail/framework/future"
	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/hook"
	"github.com/mailcove/coremail/internal/resolver"
	"github.com/mailcove/coremail/internal/store"
)

type Config struct {
	Addr            string
	LMTP            bool
	Submission      bool
	Hostname        string
	MaxMessageBytes int64
	InsecureAuth    bool

	// SpoolThreshold is the size past which an incoming message is
	// spilled to SpoolDir instead of held in RAM. Zero picks a 1 MiB
	// default.
	SpoolThreshold int64
	SpoolDir       string
}

// Endpoint owns one listener and the go-smtp server bound to it.
type Endpoint struct {
	cfg       Config
	meta      store.MetaStore
	blobs     store.BlobStore
	resolver  *resolver.Resolver
	hooks     *hook.Executor
	verifier  *auth.Verifier
	dnsResolv dns.Resolver
	bufferize func(io.Reader) (buffer.Buffer, error)

	serv     *smtp.Server
	listener net.Listener
	log      log.Logger
	serveWG  sync.WaitGroup
}

func New(cfg Config, meta store.MetaStore, blobs store.BlobStore, res *resolver.Resolver, hooks *hook.Executor, verifier *auth.Verifier) *Endpoint {
	name := "smtp"
	switch {
	case cfg.LMTP:
		name = "lmtp"
	case cfg.Submission:
		name = "submission"
	}

	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	} else {
		os.MkdirAll(spoolDir, 0o700)
	}
	threshold := cfg.SpoolThreshold
	if threshold <= 0 {
		threshold = 1 << 20
	}

	return &Endpoint{
		cfg:       cfg,
		meta:      meta,
		blobs:     blobs,
		resolver:  res,
		hooks:     hooks,
		verifier:  verifier,
		dnsResolv: dns.DefaultResolver(),
		bufferize: autoBufferMode(int(threshold), spoolDir),
		log:       log.Logger{Name: name},
	}
}

// autoBufferMode returns a bufferer that keeps a message under maxSize in
// RAM and spills anything larger to dir, so an unauthenticated inbound
// listener can't be used to exhaust memory with oversized messages.
func autoBufferMode(maxSize int, dir string) func(io.Reader) (buffer.Buffer, error) {
	return func(r io.Reader) (buffer.Buffer, error) {
		initial := make([]byte, maxSize)
		n, err := io.ReadFull(r, initial)
		switch err {
		case io.ErrUnexpectedEOF, io.EOF:
			return buffer.MemoryBuffer{Slice: initial[:n]}, nil
		case nil:
			return buffer.BufferInFile(io.MultiReader(bytes.NewReader(initial[:n]), r), dir)
		default:
			return nil, err
		}
	}
}

func (e *Endpoint) ListenAndServe() error {
	e.serv = smtp.NewServer(backend{e})
	e.serv.Domain = e.cfg.Hostname
	e.serv.LMTP = e.cfg.LMTP
	e.serv.EnableSMTPUTF8 = true
	e.serv.MaxMessageBytes = e.cfg.MaxMessageBytes
	e.serv.AllowInsecureAuth = e.cfg.InsecureAuth
	e.serv.AuthDisabled = !e.cfg.Submission && !e.cfg.LMTP

	for _, mech := range e.verifier.SASLMechanisms() {
		mech := mech
		e.serv.EnableAuth(mech, func(c *smtp.Conn) sasl.Server {
			return e.verifier.CreateSASL(mech, c.Conn().RemoteAddr(), func(identity string) error {
				c.Session().(*Session).authUser = identity
				return nil
			})
		})
	}

	l, err := net.Listen("tcp", e.cfg.Addr)
	if err != nil {
		return err
	}
	e.listener = l

	e.serveWG.Add(1)
	go func() {
		defer e.serveWG.Done()
		if err := e.serv.Serve(l); err != nil {
			e.log.Error("serve failed", err)
		}
	}()
	return nil
}

func (e *Endpoint) Close() error {
	err := e.serv.Close()
	e.serveWG.Wait()
	return err
}

type backend struct{ endp *Endpoint }

func (b backend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	s := &Session{
		endp: b.endp,
		ctx:  context.Background(),
		log:  b.endp.log,
	}

	if conn != nil && b.endp.dnsResolv != nil {
		if remote := conn.Conn().RemoteAddr(); remote != nil {
			s.remoteAddr = remote
			s.rdnsName = future.New()
			go s.fetchRDNSName(s.ctx)
		}
	}

	return s, nil
}
