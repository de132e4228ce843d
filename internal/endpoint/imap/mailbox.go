package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"

	"github.com/mailcove/coremail/internal/model"
)

// Mailbox is the INBOX view. This session supports only
// CAPABILITY/LOGIN/LIST/SELECT/FETCH/SEARCH — APPEND, STORE, COPY and
// EXPUNGE are refused rather than silently no-op'd.
//
// UIDVALIDITY is fixed at 1 and UIDs are assigned by position in a
// ReceivedAt-ascending snapshot taken per-request (there is no persisted
// UID column backing internal/store). A client that reloads between two
// ListMessages calls may see UIDs shift if messages were deleted via
// POP3 concurrently; acceptable for the read-only contract this
// component promises.
type Mailbox struct {
	user *User
}

func (m *Mailbox) Name() string { return inboxName }

func (m *Mailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Delimiter: "/",
		Name:      inboxName,
	}, nil
}

func (m *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	msgs, err := m.user.listMessages(context.Background())
	if err != nil {
		return nil, err
	}
	sortByReceived(msgs)

	status := imap.NewMailboxStatus(inboxName, items)
	status.Flags = supportedFlags
	status.PermanentFlags = permanentFlags
	status.UidValidity = 1
	status.UidNext = uint32(len(msgs)) + 1
	status.Messages = uint32(len(msgs))
	status.Recent = 0
	unseen := uint32(0)
	for _, msg := range msgs {
		if !msg.Flags.Seen {
			unseen++
		}
	}
	status.Unseen = unseen
	return status, nil
}

func (m *Mailbox) SetSubscribed(subscribed bool) error {
	if !subscribed {
		return fmt.Errorf("imap: cannot unsubscribe from INBOX")
	}
	return nil
}

func (m *Mailbox) Check() error { return nil }

func (m *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	ctx := context.Background()
	msgs, err := m.user.listMessages(ctx)
	if err != nil {
		return err
	}
	sortByReceived(msgs)

	for i, msg := range msgs {
		seqNum := uint32(i + 1)
		uidNum := seqNum

		var matches bool
		if uid {
			matches = seqSet.Contains(uidNum)
		} else {
			matches = seqSet.Contains(seqNum)
		}
		if !matches {
			continue
		}

		imapMsg := imap.NewMessage(seqNum, items)
		imapMsg.Uid = uidNum
		imapMsg.Flags = flagsToStrings(msg.Flags)
		imapMsg.Size = uint32(msg.Size)
		if msg.ReceivedAt.IsZero() {
			imapMsg.InternalDate = time.Now()
		} else {
			imapMsg.InternalDate = msg.ReceivedAt
		}

		for _, item := range items {
			switch item {
			case imap.FetchEnvelope:
				imapMsg.Envelope = buildEnvelope(msg)
			case imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, imap.FetchUid:
				// already populated above
			case imap.FetchBodyStructure, imap.FetchBody:
				// BODYSTRUCTURE parsing is out of scope for this read contract.
			default:
				section, serr := imap.ParseBodySectionName(item)
				if serr != nil {
					continue
				}
				body, berr := m.fetchBody(ctx, msg, section)
				if berr != nil {
					imapMsg.Body[section] = bytes.NewReader(nil)
					continue
				}
				imapMsg.Body[section] = bytes.NewReader(body)
			}
		}

		ch <- imapMsg
	}
	return nil
}

func (m *Mailbox) fetchBody(ctx context.Context, msg model.Message, section *imap.BodySectionName) ([]byte, error) {
	r, err := m.user.endp.blobs.Open(ctx, msg.BlobPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !section.Peek && !msg.Flags.Seen {
		flags := msg.Flags
		flags.Seen = true
		if err := m.user.endp.meta.SetMessageFlags(ctx, msg.ID, flags); err != nil {
			m.user.endp.log.Error("imap: failed to mark message seen", err, "message_id", msg.ID.String())
		}
	}
	return raw, nil
}

func (m *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	ctx := context.Background()
	msgs, err := m.user.listMessages(ctx)
	if err != nil {
		return nil, err
	}
	sortByReceived(msgs)

	// UIDs and sequence numbers coincide in this scheme (see type doc).
	var result []uint32
	for i, msg := range msgs {
		if matchesCriteria(msg, criteria) {
			result = append(result, uint32(i+1))
		}
	}
	return result, nil
}

func matchesCriteria(msg model.Message, c *imap.SearchCriteria) bool {
	if !c.Since.IsZero() && msg.ReceivedAt.Before(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !msg.ReceivedAt.Before(c.Before) {
		return false
	}
	if c.Larger > 0 && msg.Size < int64(c.Larger) {
		return false
	}
	if c.Smaller > 0 && msg.Size > int64(c.Smaller) {
		return false
	}
	if from := c.Header.Get("From"); from != "" && !strings.Contains(strings.ToLower(msg.From), strings.ToLower(from)) {
		return false
	}
	if to := c.Header.Get("To"); to != "" && !strings.Contains(strings.ToLower(msg.To), strings.ToLower(to)) {
		return false
	}
	if subj := c.Header.Get("Subject"); subj != "" && !strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(subj)) {
		return false
	}
	for _, want := range c.WithFlags {
		if !hasFlag(msg.Flags, want) {
			return false
		}
	}
	for _, unwant := range c.WithoutFlags {
		if hasFlag(msg.Flags, unwant) {
			return false
		}
	}
	return true
}

func (m *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	return fmt.Errorf("imap: read-only session, cannot append messages")
}

func (m *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	return fmt.Errorf("imap: read-only session, cannot change flags")
}

func (m *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return fmt.Errorf("imap: read-only session, cannot copy messages")
}

func (m *Mailbox) Expunge() error {
	return fmt.Errorf("imap: read-only session, cannot expunge")
}

var (
	supportedFlags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag}
	permanentFlags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag}
)

func sortByReceived(msgs []model.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
}

func flagsToStrings(f model.MessageFlags) []string {
	var out []string
	if f.Seen {
		out = append(out, imap.SeenFlag)
	}
	if f.Answered {
		out = append(out, imap.AnsweredFlag)
	}
	if f.Flagged {
		out = append(out, imap.FlaggedFlag)
	}
	if f.Deleted {
		out = append(out, imap.DeletedFlag)
	}
	if f.Draft {
		out = append(out, imap.DraftFlag)
	}
	return out
}

func hasFlag(f model.MessageFlags, name string) bool {
	switch name {
	case imap.SeenFlag:
		return f.Seen
	case imap.AnsweredFlag:
		return f.Answered
	case imap.FlaggedFlag:
		return f.Flagged
	case imap.DeletedFlag:
		return f.Deleted
	case imap.DraftFlag:
		return f.Draft
	}
	return false
}

func buildEnvelope(msg model.Message) *imap.Envelope {
	env := &imap.Envelope{
		Date:      msg.Date,
		Subject:   msg.Subject,
		MessageId: msg.MessageID,
		InReplyTo: msg.InReplyTo,
	}
	if msg.From != "" {
		env.From = []*imap.Address{parseAddress(msg.From)}
	}
	if msg.To != "" {
		for _, to := range strings.Split(msg.To, ",") {
			to = strings.TrimSpace(to)
			if to != "" {
				env.To = append(env.To, parseAddress(to))
			}
		}
	}
	return env
}

func parseAddress(addr string) *imap.Address {
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) == 2 {
		return &imap.Address{MailboxName: parts[0], HostName: parts[1]}
	}
	return &imap.Address{MailboxName: addr}
}

var _ backend.Mailbox = (*Mailbox)(nil)
