package smtp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailcove/coremail/internal/hook"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/resolver"
	"github.com/mailcove/coremail/internal/store/storetest"
)

func newTestSession(t *testing.T, cfg Config, meta *storetest.MetaStore, blobs *storetest.BlobStore) *Session {
	endp := &Endpoint{
		cfg:      cfg,
		meta:     meta,
		blobs:    blobs,
		resolver: &resolver.Resolver{Meta: meta},
		hooks: &hook.Executor{
			Registry: hook.NewRegistry(meta, time.Minute),
		},
		bufferize: autoBufferMode(1<<20, t.TempDir()),
	}
	return &Session{endp: endp, ctx: context.Background()}
}

func TestMail_SubmissionSpoofingRejected(t *testing.T) {
	meta := storetest.NewMetaStore()
	s := newTestSession(t, Config{Submission: true}, meta, storetest.NewBlobStore())
	s.authUser = "alice@example.com"

	err := s.Mail("eve@example.com", &smtp.MailOptions{})
	if err == nil {
		t.Fatal("expected spoofed sender to be rejected")
	}
	serr, ok := err.(*smtp.SMTPError)
	if !ok || serr.Code != 553 {
		t.Fatalf("expected 553, got %v", err)
	}
}

func TestMail_SubmissionOwnIdentityAccepted(t *testing.T) {
	meta := storetest.NewMetaStore()
	s := newTestSession(t, Config{Submission: true}, meta, storetest.NewBlobStore())
	s.authUser = "alice@example.com"

	if err := s.Mail("alice@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("expected own identity to be accepted, got %v", err)
	}
	if s.mailFrom != "alice@example.com" {
		t.Errorf("mailFrom = %q, want alice@example.com", s.mailFrom)
	}
}

func TestRcpt_AnonymousInboundCannotRelay(t *testing.T) {
	meta := storetest.NewMetaStore()
	// remote.example is not a locally hosted domain, so resolving it
	// yields KindRemote.
	s := newTestSession(t, Config{Submission: false}, meta, storetest.NewBlobStore())

	err := s.Rcpt("bob@remote.example")
	if err == nil {
		t.Fatal("expected relay to an unhosted domain to be rejected on an unauthenticated listener")
	}
	serr, ok := err.(*smtp.SMTPError)
	if !ok || serr.Code != 554 {
		t.Fatalf("expected 554, got %v", err)
	}
}

func TestRcpt_LocalMailboxAccepted(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	meta.AddDomain(model.Domain{ID: uuid.New(), TenantID: tenantID, Name: "local.example"})
	meta.AddMailbox(model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@local.example"})

	s := newTestSession(t, Config{Submission: false}, meta, storetest.NewBlobStore())
	if err := s.Rcpt("bob@local.example"); err != nil {
		t.Fatalf("expected local recipient to be accepted, got %v", err)
	}
	if len(s.rcpts) != 1 {
		t.Fatalf("expected one accepted recipient, got %d", len(s.rcpts))
	}
}

func TestData_AnonymousInbound_OwnerIsFirstRecipientMailbox(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	meta.AddDomain(model.Domain{ID: uuid.New(), TenantID: tenantID, Name: "local.example"})
	rcptMbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@local.example"}
	meta.AddMailbox(rcptMbox)

	s := newTestSession(t, Config{Submission: false}, meta, storetest.NewBlobStore())
	if err := s.Mail("outsider@elsewhere.example", &smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("bob@local.example"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	body := "Subject: hi\r\nFrom: outsider@elsewhere.example\r\nTo: bob@local.example\r\n\r\nbody\r\n"
	if err := s.Data(bytes.NewBufferString(body)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs, err := meta.ListMailboxMessages(context.Background(), rcptMbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the parent Message row to land against the recipient mailbox, got %d rows", len(msgs))
	}
}

func TestData_Submission_OwnerIsSenderMailbox(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	meta.AddDomain(model.Domain{ID: uuid.New(), TenantID: tenantID, Name: "local.example"})
	senderMbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "alice@local.example"}
	meta.AddMailbox(senderMbox)

	s := newTestSession(t, Config{Submission: true}, meta, storetest.NewBlobStore())
	s.authUser = "alice@local.example"
	if err := s.Mail("alice@local.example", &smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("bob@remote.example"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	body := "Subject: hi\r\nFrom: alice@local.example\r\nTo: bob@remote.example\r\n\r\nbody\r\n"
	if err := s.Data(bytes.NewBufferString(body)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs, err := meta.ListMailboxMessages(context.Background(), senderMbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the parent Message row to land against the authenticated sender's own mailbox, got %d rows", len(msgs))
	}
}
