package imap

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store/storetest"
)

var fastHashOpts = auth.HashOpts{Time: 1, Memory: 8 * 1024, Threads: 1}

func newTestEndpoint(meta *storetest.MetaStore, blobs *storetest.BlobStore) *Endpoint {
	return New("", meta, blobs, &auth.Verifier{Meta: meta}, log.Logger{})
}

func addUser(t *testing.T, meta *storetest.MetaStore, tenantID uuid.UUID, email, password string) {
	t.Helper()
	hash, err := auth.HashPassword(fastHashOpts, password)
	if err != nil {
		t.Fatal(err)
	}
	meta.Users[email] = model.User{ID: uuid.New(), TenantID: tenantID, Email: email, PasswordHash: hash, Active: true}
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	meta.AddMailbox(model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"})

	e := newTestEndpoint(meta, storetest.NewBlobStore())
	b := backendImpl{e}
	if _, err := b.Login(&imap.ConnInfo{}, "bob@example.com", "wrong"); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestLogin_NoMailboxRejected(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	// No mailbox registered for bob@example.com.

	e := newTestEndpoint(meta, storetest.NewBlobStore())
	b := backendImpl{e}
	if _, err := b.Login(&imap.ConnInfo{}, "bob@example.com", "correct horse"); err == nil {
		t.Fatal("expected login with no backing mailbox to be rejected")
	}
}

func setupInbox(t *testing.T) (*storetest.MetaStore, *storetest.BlobStore, model.Mailbox, *User) {
	t.Helper()
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	mbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"}
	meta.AddMailbox(mbox)

	e := newTestEndpoint(meta, blobs)
	b := backendImpl{e}
	u, err := b.Login(&imap.ConnInfo{}, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return meta, blobs, mbox, u.(*User)
}

func TestListMailboxes_ReturnsOnlyINBOX(t *testing.T) {
	_, _, _, u := setupInbox(t)
	boxes, err := u.ListMailboxes(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 1 || boxes[0].Name() != "INBOX" {
		t.Fatalf("expected exactly one mailbox named INBOX, got %v", boxes)
	}
}

func TestGetMailbox_OnlyINBOXExists(t *testing.T) {
	_, _, _, u := setupInbox(t)
	if _, err := u.GetMailbox("Archive"); err == nil {
		t.Fatal("expected a non-INBOX mailbox name to be rejected")
	}
	if _, err := u.GetMailbox("INBOX"); err != nil {
		t.Fatalf("expected INBOX to be selectable, got %v", err)
	}
}

func TestCreateRenameDeleteMailbox_Refused(t *testing.T) {
	_, _, _, u := setupInbox(t)
	if err := u.CreateMailbox("Anything"); err == nil {
		t.Error("expected CreateMailbox to be refused in a read-only session")
	}
	if err := u.DeleteMailbox("INBOX"); err == nil {
		t.Error("expected DeleteMailbox to be refused in a read-only session")
	}
	if err := u.RenameMailbox("INBOX", "Other"); err == nil {
		t.Error("expected RenameMailbox to be refused in a read-only session")
	}
}

func TestMailboxStatus_CountsMessagesAndUnseen(t *testing.T) {
	meta, _, mbox, u := setupInbox(t)
	seen := model.Message{ID: uuid.New(), MailboxID: mbox.ID, ReceivedAt: time.Now().Add(-time.Minute), Flags: model.MessageFlags{Seen: true}}
	unseen := model.Message{ID: uuid.New(), MailboxID: mbox.ID, ReceivedAt: time.Now()}
	meta.Messages[seen.ID] = seen
	meta.Messages[unseen.ID] = unseen
	meta.MailboxMessages[mbox.ID] = []uuid.UUID{seen.ID, unseen.ID}

	box, err := u.GetMailbox("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	status, err := box.Status([]imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
	if err != nil {
		t.Fatal(err)
	}
	if status.Messages != 2 {
		t.Errorf("Messages = %d, want 2", status.Messages)
	}
	if status.Unseen != 1 {
		t.Errorf("Unseen = %d, want 1", status.Unseen)
	}
	if status.UidValidity != 1 {
		t.Errorf("UidValidity = %d, want 1 (fixed, no persisted UID column)", status.UidValidity)
	}
}

func TestListMessages_FetchesEnvelopeAndUID(t *testing.T) {
	meta, blobs, mbox, u := setupInbox(t)
	path, err := blobs.Put(context.Background(), strings.NewReader("raw body"), 8)
	if err != nil {
		t.Fatal(err)
	}
	msg := model.Message{
		ID: uuid.New(), MailboxID: mbox.ID, BlobPath: path, Size: 8,
		ReceivedAt: time.Now(), Subject: "hi", From: "alice@example.com", To: "bob@example.com",
	}
	meta.Messages[msg.ID] = msg
	meta.MailboxMessages[mbox.ID] = []uuid.UUID{msg.ID}

	box, err := u.GetMailbox("INBOX")
	if err != nil {
		t.Fatal(err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 1)
	ch := make(chan *imap.Message, 1)
	if err := box.ListMessages(false, seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, ch); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}

	var got *imap.Message
	for m := range ch {
		got = m
	}
	if got == nil {
		t.Fatal("expected one message on the channel")
	}
	if got.Envelope == nil || got.Envelope.Subject != "hi" {
		t.Errorf("expected envelope subject %q, got %+v", "hi", got.Envelope)
	}
	if got.Uid != 1 {
		t.Errorf("Uid = %d, want 1", got.Uid)
	}
}

func TestSearchMessages_MatchesSubject(t *testing.T) {
	meta, _, mbox, u := setupInbox(t)
	match := model.Message{ID: uuid.New(), MailboxID: mbox.ID, ReceivedAt: time.Now(), Subject: "invoice attached"}
	other := model.Message{ID: uuid.New(), MailboxID: mbox.ID, ReceivedAt: time.Now().Add(time.Second), Subject: "lunch?"}
	meta.Messages[match.ID] = match
	meta.Messages[other.ID] = other
	meta.MailboxMessages[mbox.ID] = []uuid.UUID{match.ID, other.ID}

	box, err := u.GetMailbox("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	criteria := &imap.SearchCriteria{Header: make(map[string][]string)}
	criteria.Header.Set("Subject", "invoice")

	result, err := box.SearchMessages(false, criteria)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 || result[0] != 1 {
		t.Fatalf("expected sequence number 1 to match, got %v", result)
	}
}

func TestCreateMessageAndExpunge_Refused(t *testing.T) {
	_, _, _, u := setupInbox(t)
	box, err := u.GetMailbox("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if err := box.CreateMessage(nil, time.Now(), bytes.NewReader(nil)); err == nil {
		t.Error("expected CreateMessage (APPEND) to be refused in a read-only session")
	}
	if err := box.Expunge(); err == nil {
		t.Error("expected Expunge to be refused in a read-only session")
	}
}
