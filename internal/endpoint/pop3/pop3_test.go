package pop3

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store/storetest"
)

var fastHashOpts = auth.HashOpts{Time: 1, Memory: 8 * 1024, Threads: 1}

// fakeConn gives Authorize's failure-path logging a real RemoteAddr()
// without opening an actual socket.
func fakeConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func newTestEndpoint(meta *storetest.MetaStore, blobs *storetest.BlobStore) *Endpoint {
	return New("", meta, blobs, &auth.Verifier{Meta: meta}, log.Logger{})
}

func addUser(t *testing.T, meta *storetest.MetaStore, tenantID uuid.UUID, email, password string) model.User {
	t.Helper()
	hash, err := auth.HashPassword(fastHashOpts, password)
	if err != nil {
		t.Fatal(err)
	}
	u := model.User{ID: uuid.New(), TenantID: tenantID, Email: email, PasswordHash: hash, Active: true}
	meta.Users[email] = u
	return u
}

func TestAuthorize_WrongPasswordRejected(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	meta.AddMailbox(model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"})

	e := newTestEndpoint(meta, storetest.NewBlobStore())
	if _, err := e.Authorize(fakeConn(t), "bob@example.com", "wrong password"); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestAuthorize_InactiveUserRejected(t *testing.T) {
	meta := storetest.NewMetaStore()
	tenantID := uuid.New()
	u := addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	u.Active = false
	meta.Users["bob@example.com"] = u
	meta.AddMailbox(model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"})

	e := newTestEndpoint(meta, storetest.NewBlobStore())
	if _, err := e.Authorize(fakeConn(t), "bob@example.com", "correct horse"); err == nil {
		t.Fatal("expected deactivated account to be rejected")
	}
}

func TestLockStatDeleUnlock_FullCycle(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	mbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"}
	meta.AddMailbox(mbox)

	older := model.Message{ID: uuid.New(), MailboxID: mbox.ID, Size: 10, ReceivedAt: time.Now().Add(-time.Hour), BlobPath: "blob-old"}
	newer := model.Message{ID: uuid.New(), MailboxID: mbox.ID, Size: 20, ReceivedAt: time.Now(), BlobPath: "blob-new"}
	meta.Messages[older.ID] = older
	meta.MailboxMessages[mbox.ID] = []uuid.UUID{older.ID, newer.ID}

	e := newTestEndpoint(meta, blobs)
	user, err := e.Authorize(fakeConn(t), "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	meta.Messages[newer.ID] = newer
	if err := e.Lock(user); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	n, octets, err := e.Stat(user)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if n != 2 || octets != 30 {
		t.Fatalf("Stat = (%d, %d), want (2, 30)", n, octets)
	}

	if err := e.Dele(user, 1); err != nil {
		t.Fatalf("Dele: %v", err)
	}
	n, octets, err = e.Stat(user)
	if err != nil {
		t.Fatalf("Stat after Dele: %v", err)
	}
	if n != 1 || octets != 20 {
		t.Fatalf("Stat after Dele = (%d, %d), want (1, 20)", n, octets)
	}

	// A second session must not be able to Lock the same mailbox
	// concurrently, per RFC 1939's single-maildrop-session rule.
	user2, err := e.Authorize(fakeConn(t), "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authorize (second session): %v", err)
	}
	if err := e.Lock(user2); err == nil {
		t.Fatal("expected second concurrent Lock on the same mailbox to fail")
	}

	if err := e.Unlock(user); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	remaining, err := meta.ListMailboxMessages(context.Background(), mbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the Dele'd message expunged on Unlock, got %d remaining", len(remaining))
	}
	if remaining[0].ID != newer.ID {
		t.Fatalf("expected the surviving message to be the newer one, got %v", remaining[0].ID)
	}

	// Now that the first session unlocked (and expunged), a fresh Lock
	// on the same mailbox must succeed.
	if err := e.Lock(user2); err != nil {
		t.Fatalf("expected Lock to succeed once the prior session unlocked, got %v", err)
	}
}

func TestRetr_ReturnsStoredBody(t *testing.T) {
	meta := storetest.NewMetaStore()
	blobs := storetest.NewBlobStore()
	tenantID := uuid.New()
	addUser(t, meta, tenantID, "bob@example.com", "correct horse")
	mbox := model.Mailbox{ID: uuid.New(), TenantID: tenantID, Address: "bob@example.com"}
	meta.AddMailbox(mbox)

	path, err := blobs.Put(context.Background(), strings.NewReader("hello world"), 11)
	if err != nil {
		t.Fatal(err)
	}
	msg := model.Message{ID: uuid.New(), MailboxID: mbox.ID, Size: 11, BlobPath: path, ReceivedAt: time.Now()}
	meta.Messages[msg.ID] = msg
	meta.MailboxMessages[mbox.ID] = []uuid.UUID{msg.ID}

	e := newTestEndpoint(meta, blobs)
	user, err := e.Authorize(fakeConn(t), "bob@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Lock(user); err != nil {
		t.Fatal(err)
	}

	body, err := e.Retr(user, 1)
	if err != nil {
		t.Fatalf("Retr: %v", err)
	}
	if body != "hello world" {
		t.Errorf("Retr = %q, want %q", body, "hello world")
	}
}
