package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/linnemanlabs/mailwarden/internal/triage"
)

var whitespace = regexp.MustCompile(`\s+`)

// CleanBody collapses every whitespace run to a single space and trims the ends.
func CleanBody(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// ParseMessage parses a raw RFC 5322 message into an Email. The body is the
// first text/plain part, falling back to the text of the last text/html part.
// A message without a Message-ID gets a generated one; the thread id is the
// In-Reply-To header, or the message's own id when it starts a thread.
func ParseMessage(id string, raw []byte) (triage.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return triage.Email{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}
	from, err := mr.Header.Text("From")
	if err != nil || from == "" {
		from = mr.Header.Get("From")
	}
	if from == "" {
		from = "Unknown"
	}
	messageID := strings.TrimSpace(mr.Header.Get("Message-Id"))
	if messageID == "" {
		messageID = "<" + uuid.NewString() + "@mailwarden.local>"
	}
	threadID := strings.TrimSpace(mr.Header.Get("In-Reply-To"))
	if threadID == "" {
		threadID = messageID
	}

	body, err := readBody(mr)
	if err != nil {
		return triage.Email{}, err
	}

	return triage.Email{
		ID:         id,
		ThreadID:   threadID,
		MessageID:  messageID,
		References: strings.TrimSpace(mr.Header.Get("References")),
		Sender:     from,
		Subject:    subject,
		Body:       CleanBody(body),
	}, nil
}

func readBody(mr *mail.Reader) (string, error) {
	var htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Undecodable charsets still leave a readable part; anything else is fatal.
			if p == nil {
				return "", fmt.Errorf("next part: %w", err)
			}
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch ct {
		case "text/plain", "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("read text part: %w", err)
			}
			return string(b), nil
		case "text/html":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("read html part: %w", err)
			}
			htmlBody = string(b)
		}
	}
	if htmlBody == "" {
		return "", nil
	}
	return HTMLText(htmlBody), nil
}

// HTMLText returns the visible text of an HTML document. Script and style
// contents are dropped and block elements end with a line break.
func HTMLText(doc string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(doc))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head", "title":
				skip++
			case "br":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head", "title":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "blockquote":
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}
