package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/backend"

	"github.com/mailcove/coremail/internal/metrics"
	"github.com/mailcove/coremail/internal/model"
)

const inboxName = "INBOX"

// User exposes exactly one mailbox, INBOX, backed by the same
// model.Mailbox a POP3 session would see for this address. Folder
// management commands are refused: there is nothing to create/rename.
type User struct {
	endp     *Endpoint
	username string
	mailbox  model.Mailbox
}

func (u *User) Username() string { return u.username }

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	return []backend.Mailbox{&Mailbox{user: u}}, nil
}

func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	if name != inboxName {
		return nil, backend.ErrNoSuchMailbox
	}
	return &Mailbox{user: u}, nil
}

func (u *User) CreateMailbox(name string) error {
	return fmt.Errorf("imap: read-only session, cannot create mailboxes")
}

func (u *User) DeleteMailbox(name string) error {
	return fmt.Errorf("imap: read-only session, cannot delete mailboxes")
}

func (u *User) RenameMailbox(existingName, newName string) error {
	return fmt.Errorf("imap: read-only session, cannot rename mailboxes")
}

func (u *User) Logout() error {
	metrics.IMAPSessions.WithLabelValues("completed").Inc()
	return nil
}

func (u *User) listMessages(ctx context.Context) ([]model.Message, error) {
	return u.endp.meta.ListMailboxMessages(ctx, u.mailbox.ID)
}

var _ backend.User = (*User)(nil)
