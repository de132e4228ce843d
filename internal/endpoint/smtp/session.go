package smtp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailcove/coremail/framework/dns"
	"github.com/mailcove/coremail/framework/future"
	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/address"
	"github.com/mailcove/coremail/internal/hook"
	"github.com/mailcove/coremail/internal/metrics"
	"github.com/mailcove/coremail/internal/model"
	"github.com/mailcove/coremail/internal/resolver"
)

// rdnsTimeout bounds the background PTR lookup so a slow resolver can
// never hold a connection's rDNS name beyond this; fetchRDNSName always
// calls Set, so Data's read of it never blocks longer than this either.
const rdnsTimeout = 5 * time.Second

type acceptedRcpt struct {
	addr   string
	result resolver.Result
}

type Session struct {
	endp *Endpoint
	ctx  context.Context
	log  log.Logger

	remoteAddr net.Addr
	rdnsName   *future.Future

	mu       sync.Mutex
	authUser string
	mailFrom string
	opts     smtp.MailOptions
	rcpts    []acceptedRcpt
}

// fetchRDNSName resolves the connecting client's PTR record in the
// background so it's ready by the time a transaction completes, without
// making Mail/Rcpt wait on a DNS round trip they don't need.
func (s *Session) fetchRDNSName(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rdnsTimeout)
	defer cancel()

	tcpAddr, ok := s.remoteAddr.(*net.TCPAddr)
	if !ok {
		s.rdnsName.Set("", nil)
		return
	}

	name, err := dns.LookupAddr(ctx, s.endp.dnsResolv, tcpAddr.IP)
	if err != nil {
		s.rdnsName.Set("", nil)
		return
	}
	s.rdnsName.Set(name, nil)
}

// rdns returns the client's resolved PTR name, or "" if none is
// available (lookup disabled, still pending past rdnsTimeout, or NXDOMAIN).
func (s *Session) rdns() string {
	if s.rdnsName == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(s.ctx, rdnsTimeout)
	defer cancel()
	v, err := s.rdnsName.GetContext(ctx)
	if err != nil {
		return ""
	}
	name, _ := v.(string)
	return name
}

func (s *Session) AuthPlain(username, password string) error {
	if s.endp.serv.AuthDisabled {
		return smtp.ErrAuthUnsupported
	}
	if err := s.endp.verifier.Authenticate(s.ctx, username, password); err != nil {
		metrics.SMTPAuthFailures.WithLabelValues(s.endp.log.Name).Inc()
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Invalid credentials"}
	}
	s.authUser = username
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.endp.cfg.Submission && s.authUser == "" {
		return smtp.ErrAuthRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clean := from
	if from != "" {
		var err error
		clean, err = address.CleanDomain(from)
		if err != nil {
			return &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 1, 7}, Message: "Unable to normalize sender address"}
		}
		// Submission senders may only use their own authenticated identity
		// as the envelope sender (anti-spoofing: an authenticated user must not
		// be able to claim someone else's address as the sender).
		if s.endp.cfg.Submission && !strings.EqualFold(clean, s.authUser) {
			return &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Sender address does not match authenticated identity"}
		}
	}

	s.mailFrom = clean
	s.opts = *opts
	metrics.SMTPTransactionsStarted.WithLabelValues(s.endp.log.Name).Inc()
	return nil
}

func (s *Session) Rcpt(to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clean, err := address.CleanDomain(to)
	if err != nil {
		metrics.SMTPRcptRejected.WithLabelValues(s.endp.log.Name, "malformed").Inc()
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 2}, Message: "Unable to normalize recipient address"}
	}

	res, err := s.endp.resolver.Resolve(s.ctx, clean)
	if err != nil {
		metrics.SMTPRcptRejected.WithLabelValues(s.endp.log.Name, "resolve_error").Inc()
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 0}, Message: "Temporary lookup failure"}
	}

	switch res.Kind {
	case resolver.KindLocalMailbox, resolver.KindCatchAll:
		// always acceptable: local delivery.
	case resolver.KindRemote:
		// Only an authenticated submission session may hand us a remote
		// recipient; an unauthenticated MX listener relaying to arbitrary
		// domains is an open relay.
		if !s.endp.cfg.Submission || s.authUser == "" {
			metrics.SMTPRcptRejected.WithLabelValues(s.endp.log.Name, "relay_denied").Inc()
			return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Relay access denied"}
		}
	default:
		metrics.SMTPRcptRejected.WithLabelValues(s.endp.log.Name, "unknown_recipient").Inc()
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user here"}
	}

	s.rcpts = append(s.rcpts, acceptedRcpt{addr: clean, result: res})
	return nil
}

func (s *Session) Data(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "No valid recipients"}
	}

	limited := r
	if s.endp.cfg.MaxMessageBytes > 0 {
		limited = io.LimitReader(r, s.endp.cfg.MaxMessageBytes+1)
	}

	buf, err := s.endp.bufferize(limited)
	if err != nil {
		return s.fail("I/O error reading message", err)
	}
	defer buf.Remove()

	n := int64(buf.Len())
	if s.endp.cfg.MaxMessageBytes > 0 && n > s.endp.cfg.MaxMessageBytes {
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "Message size exceeds limit"}
	}

	headerRd, err := buf.Open()
	if err != nil {
		return s.fail("I/O error reading message", err)
	}
	header, err := textproto.ReadHeader(bufio.NewReader(headerRd))
	headerRd.Close()
	if err != nil {
		return s.fail("malformed message header", err)
	}

	decision, err := s.endp.hooks.Run(s.ctx, model.HookPreReceive, &hook.Envelope{
		From:    s.mailFrom,
		To:      rcptAddrs(s.rcpts),
		Subject: header.Get("Subject"),
		Size:    n,
	})
	if err != nil {
		return s.fail("hook execution error", err)
	}
	switch decision.Verdict {
	case hook.VerdictReject:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: decision.Reason}
	case hook.VerdictTempfail:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: decision.Reason}
	}

	bodyRd, err := buf.Open()
	if err != nil {
		return s.fail("I/O error reading message", err)
	}
	path, err := s.endp.blobs.Put(s.ctx, bodyRd, n)
	bodyRd.Close()
	if err != nil {
		return s.fail("failed to store message body", err)
	}

	msgID := uuid.New()
	var refs []string
	if rawRefs := header.Get("References"); rawRefs != "" {
		refs = strings.Fields(rawRefs)
	}
	date, _ := parseMessageDateTime(header.Get("Date"))

	entries := make([]model.QueueEntry, 0, len(s.rcpts))
	for _, rc := range s.rcpts {
		entries = append(entries, model.QueueEntry{
			ID:            uuid.New(),
			Recipient:     rc.addr,
			Attempt:       0,
			NextAttemptAt: time.Now(),
			State:         model.QueuePending,
			CreatedAt:     time.Now(),
		})
	}

	ownerMailbox, tenantID, err := s.resolveOwner()
	if err != nil {
		return s.fail("no owning mailbox for message", err)
	}

	msg := model.Message{
		ID:           msgID,
		TenantID:     tenantID,
		MailboxID:    ownerMailbox,
		EnvelopeFrom: s.mailFrom,
		EnvelopeTo:   rcptAddrs(s.rcpts),
		Subject:      header.Get("Subject"),
		From:         header.Get("From"),
		To:           header.Get("To"),
		Date:         date,
		MessageID:    header.Get("Message-Id"),
		InReplyTo:    header.Get("In-Reply-To"),
		References:   refs,
		ReceivedAt:   time.Now(),
		BlobPath:     path,
		Size:         n,
	}

	if _, err := s.endp.meta.InsertMessage(s.ctx, msg, entries); err != nil {
		return s.fail("failed to record message", err)
	}

	metrics.SMTPTransactionsCompleted.WithLabelValues(s.endp.log.Name).Inc()
	s.log.Msg("accepted", "msg_id", msgID.String(), "rcpts", len(s.rcpts), "rdns", s.rdns())
	return nil
}

// resolveOwner picks the mailbox_id the initial parent Message row carries.
// For submission it is the authenticated sender's own mailbox (so a later
// bounce can be delivered straight back into it); for anonymous inbound
// mail every accepted recipient is already Local/CatchAll (Rcpt enforces
// this), so the first one stands in as the row's nominal owner — the real
// per-recipient copies are created independently by internal/deliver.
func (s *Session) resolveOwner() (mailboxID, tenantID uuid.UUID, err error) {
	if s.endp.cfg.Submission {
		mbox, err := s.endp.meta.GetMailboxByAddress(s.ctx, s.authUser)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		return mbox.ID, mbox.TenantID, nil
	}
	first := s.rcpts[0].result
	return first.Mailbox.ID, first.TenantID, nil
}

func (s *Session) fail(msg string, err error) error {
	s.log.Error(msg, err)
	return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Temporary internal error"}
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailFrom = ""
	s.opts = smtp.MailOptions{}
	s.rcpts = nil
}

func (s *Session) Logout() error {
	return nil
}

func rcptAddrs(rcpts []acceptedRcpt) []string {
	out := make([]string, len(rcpts))
	for i, r := range rcpts {
		out[i] = r.addr
	}
	return out
}
