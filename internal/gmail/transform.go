package gmail

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
)

const (
	labelUnread = "UNREAD"
	labelSent   = "SENT"
)

// Transform converts a full-format Gmail message into a storage record.
// It replaces the whole record, never merges fields, so repeated or
// out-of-order transforms of the same message are interchangeable.
func Transform(m *gmail.Message) (*store.MessageRecord, error) {
	if m == nil || m.Id == "" {
		return nil, fmt.Errorf("message has no id")
	}
	if m.Payload == nil {
		return nil, fmt.Errorf("message %s has no payload", m.Id)
	}

	headers := make(map[string]string, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}

	isRead := true
	isOutgoing := false
	for _, l := range m.LabelIds {
		switch l {
		case labelUnread:
			isRead = false
		case labelSent:
			isOutgoing = true
		}
	}

	return &store.MessageRecord{
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Sender:    parseAddress(headers["from"]),
		Recipients: store.Recipients{
			To:  parseAddressList(headers["to"]),
			Cc:  parseAddressList(headers["cc"]),
			Bcc: parseAddressList(headers["bcc"]),
		},
		Labels:     m.LabelIds,
		Subject:    headers["subject"],
		Body:       extractBody(m.Payload),
		Size:       m.SizeEstimate,
		Timestamp:  time.UnixMilli(m.InternalDate),
		IsRead:     isRead,
		IsOutgoing: isOutgoing,
	}, nil
}

// parseAddress parses one RFC 5322 address. Headers in the wild are often
// not RFC-clean; an unparseable value is kept verbatim as the email field
// rather than dropped.
func parseAddress(s string) store.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return store.Address{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return store.Address{Email: s}
	}
	return store.Address{Name: addr.Name, Email: addr.Address}
}

func parseAddressList(s string) []store.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		// Fall back to a comma split with per-item parsing.
		var out []store.Address
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, parseAddress(part))
			}
		}
		return out
	}

	out := make([]store.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, store.Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// extractBody walks the MIME tree and returns the first text/plain part,
// falling back to text/html with tags stripped.
func extractBody(p *gmail.MessagePart) string {
	if body := findPart(p, "text/plain"); body != "" {
		return body
	}
	if body := findPart(p, "text/html"); body != "" {
		return htmlToText(body)
	}
	return ""
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if p.MimeType == mimeType && p.Body != nil && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	for _, child := range p.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// decodeBody decodes Gmail's web-safe base64 body data, tolerating both
// padded and unpadded forms.
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

var (
	htmlTagRe        = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	htmlWhitespaceRe = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)
)

func htmlToText(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = htmlWhitespaceRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
