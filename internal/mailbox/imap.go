package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mailwarden/internal/status"
	"github.com/linnemanlabs/mailwarden/internal/triage"
)

const (
	DefaultLookback = 8 * time.Hour
	DefaultMaxBatch = 20
	DefaultIMAPPort = 993
)

// StatusTracker is the slice of status.Recorder the source needs.
type StatusTracker interface {
	Current(ctx context.Context, emailID string) (status.Status, error)
	MarkFetched(ctx context.Context, e *triage.Email) error
}

// IMAPOptions configures Source.
type IMAPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string        // defaults to INBOX
	Lookback time.Duration // defaults to DefaultLookback
	MaxBatch int           // defaults to DefaultMaxBatch
}

// session is the subset of *client.Client used by Source.
type session interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// Source fetches unread, unprocessed mail over IMAP. It implements triage.Inbox.
type Source struct {
	opts    IMAPOptions
	tracker StatusTracker
	logger  log.Logger
	dial    func(ctx context.Context) (session, error)
	now     func() time.Time
}

// NewSource returns a Source that logs in over implicit TLS on every Fetch.
func NewSource(opts IMAPOptions, tracker StatusTracker, logger log.Logger) *Source {
	if opts.Port == 0 {
		opts.Port = DefaultIMAPPort
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Source{opts: opts, tracker: tracker, logger: logger, now: time.Now}
	s.dial = s.login
	return s
}

func (s *Source) login(ctx context.Context) (session, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: 30 * time.Second}, addr,
		&tls.Config{ServerName: s.opts.Host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}
	if err := c.Login(s.opts.Username, s.opts.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

// Fetch returns up to MaxBatch unseen messages received within the lookback
// window whose recorded status is still unprocessed. Each returned email is
// recorded as unprocessed before it is handed to the engine.
//
// Failures talking to the IMAP server wrap triage.ErrExternal. Status store
// failures are returned as they are.
func (s *Source) Fetch(ctx context.Context) ([]triage.Email, error) {
	sess, err := s.dial(ctx)
	if err != nil {
		return nil, imapErr(err)
	}
	defer func() {
		if err := sess.Logout(); err != nil {
			s.logger.Warn(ctx, "imap logout failed", "error", err)
		}
	}()

	if _, err := sess.Select(s.opts.Mailbox, false); err != nil {
		return nil, imapErr(fmt.Errorf("select %s: %w", s.opts.Mailbox, err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = s.now().Add(-s.opts.Lookback)
	uids, err := sess.UidSearch(criteria)
	if err != nil {
		return nil, imapErr(fmt.Errorf("search unseen: %w", err))
	}

	var pending []uint32
	for _, uid := range uids {
		id := strconv.FormatUint(uint64(uid), 10)
		st, err := s.tracker.Current(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != status.Unprocessed {
			s.logger.Info(ctx, "skipping already handled email", "email_id", id, "status", string(st))
			continue
		}
		pending = append(pending, uid)
		if len(pending) == s.opts.MaxBatch {
			break
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	raw, err := s.fetchBodies(sess, pending)
	if err != nil {
		return nil, imapErr(err)
	}

	emails := make([]triage.Email, 0, len(pending))
	for _, uid := range pending {
		id := strconv.FormatUint(uint64(uid), 10)
		body, ok := raw[uid]
		if !ok {
			s.logger.Warn(ctx, "message vanished before fetch", "email_id", id)
			continue
		}
		e, err := ParseMessage(id, body)
		if err != nil {
			s.logger.Warn(ctx, "skipping unparseable message", "email_id", id, "error", err)
			continue
		}
		if err := s.tracker.MarkFetched(ctx, &e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}

	s.logger.Info(ctx, "inbox fetched", "unseen", len(uids), "new", len(emails))
	return emails, nil
}

func imapErr(err error) error {
	return fmt.Errorf("%w: imap: %w", triage.ErrExternal, err)
}

func (s *Source) fetchBodies(sess session, uids []uint32) (map[uint32][]byte, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- sess.UidFetch(seqset, items, messages)
	}()

	out := make(map[uint32][]byte, len(uids))
	for msg := range messages {
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		b, err := io.ReadAll(lit)
		if err != nil {
			return nil, fmt.Errorf("read message %d: %w", msg.Uid, err)
		}
		out[msg.Uid] = b
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}
