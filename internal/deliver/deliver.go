// Package deliver implements local mailbox delivery: given a message
// already stored as a content-addressed blob, place a copy of its
// metadata row into a specific recipient's mailbox.
//
// Because the blob store is content-addressed (internal/store/blobfs),
// delivering a message to a new mailbox never re-streams the body: the new
// Message row simply points at the same blob path as the row the SMTP
// session created on reception, and internal/store.GCSweep reclaims a blob
// once no Message row references it any more.
package deliver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailcove/coremail/framework/exterrors"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/store"
)

type Deliverer struct {
	Meta store.MetaStore
}

// Deliver places a copy of parent into mailbox for the given envelope
// recipient. parent is the message row created at reception; only its blob
// reference, display headers and envelope sender are copied, not its
// identity or envelope recipients.
func (d *Deliverer) Deliver(ctx context.Context, parent model.Message, mailbox model.Mailbox, rcpt string) error {
	if mailbox.OverQuota(parent.Size) {
		return &exterrors.SMTPError{
			Code:         452,
			EnhancedCode: exterrors.EnhancedCode{4, 2, 2},
			Message:      "Mailbox quota exceeded",
			Kind:         exterrors.KindStorage,
		}
	}

	copyMsg := model.Message{
		ID:           uuid.New(),
		TenantID:     mailbox.TenantID,
		MailboxID:    mailbox.ID,
		EnvelopeFrom: parent.EnvelopeFrom,
		EnvelopeTo:   []string{rcpt},
		Subject:      parent.Subject,
		From:         parent.From,
		To:           parent.To,
		Date:         parent.Date,
		MessageID:    parent.MessageID,
		InReplyTo:    parent.InReplyTo,
		References:   parent.References,
		ReceivedAt:   time.Now(),
		BlobPath:     parent.BlobPath,
		Size:         parent.Size,
	}

	if _, err := d.Meta.InsertMessage(ctx, copyMsg, nil); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	if err := d.Meta.IncrementMailboxUsage(ctx, mailbox.ID, parent.Size); err != nil {
		return fmt.Errorf("deliver: update quota usage: %w", err)
	}
	return nil
}
