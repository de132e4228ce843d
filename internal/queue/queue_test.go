package queue

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mailcove/coremail/framework/exterrors"
	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/deliver"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/resolver"
	"github.com/mailcove/coremail/internal/store/storetest"
)

type fakeRelayer struct {
	err error
	got struct {
		from, rcpt string
		body       []byte
	}
}

func (f *fakeRelayer) Deliver(ctx context.Context, from, rcpt string, body io.Reader) error {
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(body)
	f.got.from, f.got.rcpt, f.got.body = from, rcpt, b
	return nil
}

func mustTenant() uuid.UUID { return uuid.New() }

func TestAttempt_LocalDelivery_Success(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()

	tenantID := mustTenant()
	domainID := uuid.New()
	meta.AddDomain(model.Domain{ID: domainID, TenantID: tenantID, Name: "local.example"})

	rcptMbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, DomainID: domainID, Address: "bob@local.example"}
	meta.AddMailbox(rcptMbox)

	senderMbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, DomainID: domainID, Address: "alice@local.example"}
	meta.AddMailbox(senderMbox)

	path, err := blobs.Put(context.Background(), bytes.NewReader([]byte("hello")), 5)
	if err != nil {
		t.Fatal(err)
	}

	msgID := uuid.New()
	meta.Messages[msgID] = model.Message{
		ID:           msgID,
		TenantID:     tenantID,
		MailboxID:    senderMbox.ID,
		EnvelopeFrom: "alice@local.example",
		BlobPath:     path,
		Size:         5,
		ReceivedAt:   time.Now(),
	}

	entry := model.QueueEntry{ID: uuid.New(), MessageID: msgID, Recipient: "bob@local.example", State: model.QueuePending}
	meta.QueueEntries[entry.ID] = entry

	w := newWorkerForTest(meta, blobs, nil)
	w.attempt(context.Background(), entry)

	updated := meta.QueueEntries[entry.ID]
	if updated.State != model.QueueDelivered {
		t.Fatalf("expected entry delivered, got state %q (err %q)", updated.State, updated.LastError)
	}

	msgs, err := meta.ListMailboxMessages(context.Background(), rcptMbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one delivered copy in recipient mailbox, got %d", len(msgs))
	}
	if msgs[0].BlobPath != path {
		t.Errorf("delivered copy should reuse the original blob path, got %q", msgs[0].BlobPath)
	}
}

func TestAttempt_RemoteTemporaryFailure_Reschedules(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()

	path, err := blobs.Put(context.Background(), bytes.NewReader([]byte("hi")), 2)
	if err != nil {
		t.Fatal(err)
	}

	msgID := uuid.New()
	meta.Messages[msgID] = model.Message{
		ID: msgID, EnvelopeFrom: "alice@local.example", BlobPath: path, Size: 2, ReceivedAt: time.Now(),
	}
	entry := model.QueueEntry{ID: uuid.New(), MessageID: msgID, Recipient: "bob@remote.example", State: model.QueuePending}
	meta.QueueEntries[entry.ID] = entry

	rel := &fakeRelayer{err: &exterrors.SMTPError{Code: 451, Message: "try later", Kind: exterrors.KindDBTransient}}
	w := newWorkerForTest(meta, blobs, rel)
	w.attempt(context.Background(), entry)

	updated := meta.QueueEntries[entry.ID]
	if updated.State != model.QueuePending {
		t.Fatalf("expected entry still pending after tempfail, got %q", updated.State)
	}
	if updated.Attempt != 1 {
		t.Errorf("expected attempt counter incremented to 1, got %d", updated.Attempt)
	}
	if !updated.NextAttemptAt.After(time.Now()) {
		t.Errorf("expected NextAttemptAt pushed into the future, got %v", updated.NextAttemptAt)
	}
}

func TestAttempt_RemotePermanentFailure_Bounces(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()

	tenantID := mustTenant()
	domainID := uuid.New()
	meta.AddDomain(model.Domain{ID: domainID, TenantID: tenantID, Name: "local.example"})
	senderMbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, DomainID: domainID, Address: "alice@local.example"}
	meta.AddMailbox(senderMbox)

	path, err := blobs.Put(context.Background(), bytes.NewReader([]byte("hi")), 2)
	if err != nil {
		t.Fatal(err)
	}

	msgID := uuid.New()
	meta.Messages[msgID] = model.Message{
		ID: msgID, TenantID: tenantID, MailboxID: senderMbox.ID,
		EnvelopeFrom: "alice@local.example", Subject: "hey", BlobPath: path, Size: 2, ReceivedAt: time.Now(),
	}
	entry := model.QueueEntry{ID: uuid.New(), MessageID: msgID, Recipient: "bob@remote.example", State: model.QueuePending}
	meta.QueueEntries[entry.ID] = entry

	rel := &fakeRelayer{err: &exterrors.SMTPError{Code: 550, Message: "no such user", Kind: exterrors.KindNotFound}}
	w := newWorkerForTest(meta, blobs, rel)
	w.attempt(context.Background(), entry)

	updated := meta.QueueEntries[entry.ID]
	if updated.State != model.QueueBounced {
		t.Fatalf("expected entry bounced on permanent failure, got %q", updated.State)
	}

	bounces, err := meta.ListMailboxMessages(context.Background(), senderMbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bounces) != 1 {
		t.Fatalf("expected one DSN delivered to the sender's mailbox, got %d", len(bounces))
	}
	if bounces[0].EnvelopeFrom != "" {
		t.Errorf("DSN bounce should carry a null reverse path, got %q", bounces[0].EnvelopeFrom)
	}
}

func TestAttempt_NullReversePathNeverReBounced(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()

	path, err := blobs.Put(context.Background(), bytes.NewReader([]byte("hi")), 2)
	if err != nil {
		t.Fatal(err)
	}

	msgID := uuid.New()
	meta.Messages[msgID] = model.Message{
		ID: msgID, EnvelopeFrom: "", BlobPath: path, Size: 2, ReceivedAt: time.Now(),
	}
	entry := model.QueueEntry{ID: uuid.New(), MessageID: msgID, Recipient: "bob@remote.example", State: model.QueuePending}
	meta.QueueEntries[entry.ID] = entry

	rel := &fakeRelayer{err: &exterrors.SMTPError{Code: 550, Message: "no such user", Kind: exterrors.KindNotFound}}
	w := newWorkerForTest(meta, blobs, rel)
	w.attempt(context.Background(), entry)

	for _, msg := range meta.Messages {
		if msg.Subject == "Undelivered Mail Returned to Sender" {
			t.Fatalf("a bounce for a null reverse-path message must be dropped, not re-bounced")
		}
	}
}

func newWorkerForTest(meta *storetest.MetaStore, blobs *storetest.BlobStore, rel Relayer) *Worker {
	return &Worker{
		Meta:     meta,
		Blobs:    blobs,
		Resolver: &resolver.Resolver{Meta: meta},
		Deliver:  &deliver.Deliverer{Meta: meta},
		Relay:    rel,
		Cfg: Config{
			Workers:        4,
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffCap:     time.Second,
			PerDomainLimit: 4,
		},
		Log:       log.Logger{},
		domainSem: make(map[string]*semaphore.Weighted),
	}
}
