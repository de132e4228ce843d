// Package queue implements the outbound queue manager: a persistent
// FIFO with scheduled retry, exponential backoff with jitter, per-domain
// delivery concurrency, and terminal bounce generation.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/sync/semaphore"

	"github.com/mailcove/coremail/framework/exterrors"
	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/deliver"
	"github.com/mailcove/coremail/internal/dsn"
	"github.com/mailcove/coremail/internal/metrics"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/resolver"
	"github.com/mailcove/coremail/internal/store"
	"github.com/mailcove/coremail/internal/target/remote"
)

// Relayer delivers a message to a remote MX; internal/target/remote.Relay
// satisfies it.
type Relayer interface {
	Deliver(ctx context.Context, from, rcpt string, body io.Reader) error
}

type Config struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PerDomainLimit int64
	PollInterval   time.Duration
}

// Worker drains pending QueueEntry rows and attempts delivery, local or
// remote.
type Worker struct {
	Meta     store.MetaStore
	Blobs    store.BlobStore
	Resolver *resolver.Resolver
	Deliver  *deliver.Deliverer
	Relay    Relayer
	Cfg      Config
	Log      log.Logger

	domainSemMu sync.Mutex
	domainSem   map[string]*semaphore.Weighted
	globalSem   *semaphore.Weighted
}

func New(meta store.MetaStore, blobs store.BlobStore, res *resolver.Resolver, rel Relayer, cfg Config) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	return &Worker{
		Meta:      meta,
		Blobs:     blobs,
		Resolver:  res,
		Deliver:   &deliver.Deliverer{Meta: meta},
		Relay:     rel,
		Cfg:       cfg,
		Log:       log.Logger{Name: "queue"},
		domainSem: make(map[string]*semaphore.Weighted),
		globalSem: semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Run polls for pending entries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.Log.Error("queue poll failed", err)
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	entries, err := w.Meta.DequeuePending(ctx, w.Cfg.Workers)
	if err != nil {
		return fmt.Errorf("queue: dequeue: %w", err)
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		if err := w.globalSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.globalSem.Release(1)
			w.attempt(ctx, e)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) domainSemaphore(domain string) *semaphore.Weighted {
	w.domainSemMu.Lock()
	defer w.domainSemMu.Unlock()
	sem, ok := w.domainSem[domain]
	if !ok {
		sem = semaphore.NewWeighted(w.Cfg.PerDomainLimit)
		w.domainSem[domain] = sem
	}
	return sem
}

func (w *Worker) attempt(ctx context.Context, e model.QueueEntry) {
	_, domain, err := splitRecipient(e.Recipient)
	if err != nil {
		w.fail(ctx, e, &exterrors.SMTPError{Code: 501, Message: "malformed recipient", Kind: exterrors.KindValidation})
		return
	}

	sem := w.domainSemaphore(domain)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	start := time.Now()
	deliveryErr := w.deliverOne(ctx, e)
	metrics.QueueDeliveryLatency.WithLabelValues(domain).Observe(time.Since(start).Seconds())

	if deliveryErr == nil {
		metrics.QueueDeliveryAttempts.WithLabelValues("delivered").Inc()
		e.State = model.QueueDelivered
		w.update(ctx, e)
		return
	}

	if temporary(deliveryErr) && e.Attempt+1 < w.Cfg.MaxAttempts {
		metrics.QueueDeliveryAttempts.WithLabelValues("tempfail").Inc()
		e.Attempt++
		e.State = model.QueuePending
		e.LastError = deliveryErr.Error()
		e.NextAttemptAt = time.Now().Add(backoff(nil, w.Cfg.BackoffBase, w.Cfg.BackoffCap, e.Attempt))
		w.update(ctx, e)
		return
	}

	metrics.QueueDeliveryAttempts.WithLabelValues("bounced").Inc()
	w.fail(ctx, e, deliveryErr)
}

func (w *Worker) fail(ctx context.Context, e model.QueueEntry, cause error) {
	e.State = model.QueueBounced
	e.LastError = cause.Error()
	w.update(ctx, e)
	w.bounce(ctx, e, cause)
}

func (w *Worker) update(ctx context.Context, e model.QueueEntry) {
	if err := w.Meta.UpdateQueueEntry(ctx, e); err != nil {
		w.Log.Error("queue: update entry failed", err, "entry", e.ID.String())
	}
}

func (w *Worker) deliverOne(ctx context.Context, e model.QueueEntry) error {
	msg, err := w.Meta.GetMessage(ctx, e.MessageID)
	if err != nil {
		return fmt.Errorf("queue: load message: %w", err)
	}

	res, err := w.Resolver.Resolve(ctx, e.Recipient)
	if err != nil {
		return fmt.Errorf("queue: resolve recipient: %w", err)
	}

	switch res.Kind {
	case resolver.KindLocalMailbox, resolver.KindCatchAll:
		return w.Deliver.Deliver(ctx, msg, res.Mailbox, e.Recipient)
	case resolver.KindRemote:
		body, err := w.Blobs.Open(ctx, msg.BlobPath)
		if err != nil {
			return fmt.Errorf("queue: open blob: %w", err)
		}
		defer body.Close()
		return w.Relay.Deliver(ctx, msg.EnvelopeFrom, e.Recipient, body)
	default:
		return &exterrors.SMTPError{Code: 550, EnhancedCode: exterrors.EnhancedCode{5, 1, 1}, Message: "recipient no longer resolvable", Kind: exterrors.KindNotFound}
	}
}

// bounce synthesizes an RFC 3464 DSN and delivers it straight back into the
// original sender's own mailbox (queue entries only ever originate from
// authenticated local submission, so the sender always has a local
// mailbox). A null reverse path means the original message was itself a
// bounce; it is discarded rather than re-bounced, so a
// failure loop can never form.
func (w *Worker) bounce(ctx context.Context, e model.QueueEntry, cause error) {
	msg, err := w.Meta.GetMessage(ctx, e.MessageID)
	if err != nil {
		w.Log.Error("queue: bounce: load message failed", err)
		return
	}
	if msg.EnvelopeFrom == "" {
		w.Log.Msg("dropping bounce for message with null reverse path", "message_id", msg.ID.String())
		return
	}

	senderMbox, err := w.Meta.GetMailboxByAddress(ctx, msg.EnvelopeFrom)
	if err != nil {
		w.Log.Error("queue: bounce: sender has no local mailbox, dropping", err, "sender", msg.EnvelopeFrom)
		return
	}

	var body bytes.Buffer
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA: w.hostnameOrDefault(),
		XSender:      msg.EnvelopeFrom,
		XMessageID:   msg.MessageID,
		ArrivalDate:  msg.ReceivedAt,
		LastAttemptDate: time.Now(),
	}
	rcptInfo := dsn.RecipientInfo{
		FinalRecipient: e.Recipient,
		Action:         dsn.ActionFailed,
		Status:         gosmtp.EnhancedCode{5, 0, 0},
		DiagnosticCode: cause,
	}
	failedHeader := textproto.Header{}
	failedHeader.Add("Subject", msg.Subject)
	failedHeader.Add("From", msg.From)
	failedHeader.Add("To", msg.To)
	if msg.MessageID != "" {
		failedHeader.Add("Message-Id", msg.MessageID)
	}

	reportHeader, err := dsn.GenerateDSN(false, dsn.Envelope{
		MsgID: "<bounce." + e.ID.String() + "@" + w.hostnameOrDefault() + ">",
		From:  "MAILER-DAEMON@" + w.hostnameOrDefault(),
		To:    msg.EnvelopeFrom,
	}, mtaInfo, []dsn.RecipientInfo{rcptInfo}, failedHeader, &body)
	if err != nil {
		w.Log.Error("queue: bounce: generate DSN failed", err)
		return
	}

	var full bytes.Buffer
	if err := textproto.WriteHeader(&full, reportHeader); err != nil {
		w.Log.Error("queue: bounce: write DSN header failed", err)
		return
	}
	full.Write(body.Bytes())

	path, err := w.Blobs.Put(ctx, bytes.NewReader(full.Bytes()), int64(full.Len()))
	if err != nil {
		w.Log.Error("queue: bounce: store DSN blob failed", err)
		return
	}

	bounceMsg := model.Message{
		TenantID:     senderMbox.TenantID,
		MailboxID:    senderMbox.ID,
		EnvelopeFrom: "",
		EnvelopeTo:   []string{msg.EnvelopeFrom},
		Subject:      "Undelivered Mail Returned to Sender",
		From:         "MAILER-DAEMON@" + w.hostnameOrDefault(),
		To:           msg.EnvelopeFrom,
		ReceivedAt:   time.Now(),
		BlobPath:     path,
		Size:         int64(full.Len()),
	}
	if err := w.Deliver.Deliver(ctx, bounceMsg, senderMbox, msg.EnvelopeFrom); err != nil {
		w.Log.Error("queue: bounce: local delivery failed", err)
	}
}

func (w *Worker) hostnameOrDefault() string {
	return "localhost"
}

func temporary(err error) bool {
	if se, ok := err.(*exterrors.SMTPError); ok {
		return se.Temporary()
	}
	return true // unclassified errors (DB hiccups etc.) default to retriable
}

func splitRecipient(addr string) (local, domain string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("queue: %q has no domain part", addr)
}

var _ *remote.Relay // keeps internal/target/remote imported for godoc purposes in default wiring (see cmd/coremaild)
