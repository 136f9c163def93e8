package mailbox

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/wneessen/go-mail"

	"github.com/linnemanlabs/mailwarden/internal/triage"
)

const DefaultSMTPPort = 465

// SMTPOptions configures Sender.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // envelope and header sender; defaults to Username
	FromName string // display name, e.g. "Support"
}

type deliverer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Sender delivers replies over SMTP with implicit TLS. It implements triage.Dispatcher.
type Sender struct {
	opts   SMTPOptions
	client deliverer
	logger log.Logger
}

// NewSender builds the SMTP client. The connection is opened per send.
func NewSender(opts SMTPOptions, logger log.Logger) (*Sender, error) {
	if opts.Port == 0 {
		opts.Port = DefaultSMTPPort
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	if logger == nil {
		logger = log.Nop()
	}
	c, err := mail.NewClient(opts.Host,
		mail.WithPort(opts.Port),
		mail.WithSSL(),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(opts.Username),
		mail.WithPassword(opts.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Sender{opts: opts, client: c, logger: logger}, nil
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, "Re:") {
		return subject
	}
	return "Re: " + subject
}

// ReplyHTML renders plain reply text as a minimal HTML document.
func ReplyHTML(text string) string {
	body := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
	return "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>" + body + "</body>\n</html>\n"
}

// BuildReply constructs the threaded reply to original.
func (s *Sender) BuildReply(original *triage.Email, reply string) (*mail.Msg, error) {
	if original.Sender == "" {
		return nil, errors.New("original email has no sender")
	}
	m := mail.NewMsg()
	if s.opts.FromName != "" {
		if err := m.FromFormat(s.opts.FromName, s.opts.From); err != nil {
			return nil, fmt.Errorf("set from: %w", err)
		}
	} else if err := m.From(s.opts.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(original.Sender); err != nil {
		return nil, fmt.Errorf("set to %q: %w", original.Sender, err)
	}
	m.Subject(ReplySubject(original.Subject))
	if original.MessageID != "" {
		m.SetGenHeader(mail.HeaderInReplyTo, original.MessageID)
		m.SetGenHeader(mail.HeaderReferences, strings.TrimSpace(original.References+" "+original.MessageID))
	}
	m.SetMessageIDWithValue(uuid.NewString() + "@" + domainOf(s.opts.From))
	m.SetBodyString(mail.TypeTextHTML, ReplyHTML(reply))
	return m, nil
}

// Send delivers reply to the sender of original.
func (s *Sender) Send(ctx context.Context, original *triage.Email, reply string) error {
	m, err := s.BuildReply(original, reply)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", original.Sender, err)
	}
	s.logger.Info(ctx, "reply sent", "email_id", original.ID, "to", original.Sender)
	return nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "mailwarden.local"
}
