package pgmeta

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mailcove/coremail/internal/model"
)

// messageRow mirrors the messages table. Array and nullable columns need
// their own scan types; everything else matches model.Message 1:1.
type messageRow struct {
	ID            uuid.UUID      `db:"id"`
	TenantID      uuid.UUID      `db:"tenant_id"`
	MailboxID     uuid.UUID      `db:"mailbox_id"`
	EnvelopeFrom  string         `db:"envelope_from"`
	EnvelopeTo    pq.StringArray `db:"envelope_to"`
	Subject       string         `db:"subject"`
	HeaderFrom    string         `db:"header_from"`
	HeaderTo      string         `db:"header_to"`
	HeaderDate    *time.Time     `db:"header_date"`
	MessageIDHdr  string         `db:"message_id_hdr"`
	InReplyTo     string         `db:"in_reply_to"`
	Refs          pq.StringArray `db:"refs"`
	ReceivedAt    time.Time      `db:"received_at"`
	BlobPath      string         `db:"blob_path"`
	Size          int64          `db:"size"`
	Seen          bool           `db:"seen"`
	Answered      bool           `db:"answered"`
	Flagged       bool           `db:"flagged"`
	Deleted       bool           `db:"deleted"`
	Draft         bool           `db:"draft"`
	ThreadID      uuid.NullUUID  `db:"thread_id"`
}

func (r messageRow) toModel() model.Message {
	m := model.Message{
		ID:           r.ID,
		TenantID:     r.TenantID,
		MailboxID:    r.MailboxID,
		EnvelopeFrom: r.EnvelopeFrom,
		EnvelopeTo:   []string(r.EnvelopeTo),
		Subject:      r.Subject,
		From:         r.HeaderFrom,
		To:           r.HeaderTo,
		MessageID:    r.MessageIDHdr,
		InReplyTo:    r.InReplyTo,
		References:   []string(r.Refs),
		ReceivedAt:   r.ReceivedAt,
		BlobPath:     r.BlobPath,
		Size:         r.Size,
		ThreadID:     r.ThreadID,
		Flags: model.MessageFlags{
			Seen:     r.Seen,
			Answered: r.Answered,
			Flagged:  r.Flagged,
			Deleted:  r.Deleted,
			Draft:    r.Draft,
		},
	}
	if r.HeaderDate != nil {
		m.Date = *r.HeaderDate
	}
	return m
}

type hookRow struct {
	ID         uuid.UUID      `db:"id"`
	TenantID   uuid.NullUUID  `db:"tenant_id"`
	Name       string         `db:"name"`
	Type       model.HookType `db:"type"`
	PluginKind string         `db:"plugin_kind"`
	PluginID   string         `db:"plugin_id"`
	Enabled    bool           `db:"enabled"`
	Priority   int            `db:"priority"`
	TimeoutMs  int            `db:"timeout_ms"`
	OnTimeout  string         `db:"on_timeout"`
	OnError    string         `db:"on_error"`
	FilterCfg  []byte         `db:"filter_cfg"`
	PluginCfg  []byte         `db:"plugin_cfg"`
}

func (r hookRow) toModel() model.Hook {
	return model.Hook{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		Type:       r.Type,
		PluginKind: model.PluginKind(r.PluginKind),
		PluginID:   r.PluginID,
		Enabled:    r.Enabled,
		Priority:   r.Priority,
		Timeout:    time.Duration(r.TimeoutMs) * time.Millisecond,
		OnTimeout:  model.FailPolicy(r.OnTimeout),
		OnError:    model.FailPolicy(r.OnError),
		FilterCfg:  r.FilterCfg,
		PluginCfg:  r.PluginCfg,
	}
}

type queueRow struct {
	ID            uuid.UUID  `db:"id"`
	MessageID     uuid.UUID  `db:"message_id"`
	Recipient     string     `db:"recipient"`
	Attempt       int        `db:"attempt"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	State         string     `db:"state"`
	LastError     string     `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (r queueRow) toModel() model.QueueEntry {
	return model.QueueEntry{
		ID:            r.ID,
		MessageID:     r.MessageID,
		Recipient:     r.Recipient,
		Attempt:       r.Attempt,
		NextAttemptAt: r.NextAttemptAt,
		State:         model.QueueState(r.State),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
	}
}
