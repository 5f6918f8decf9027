package mailbox

import (
	"bytes"
	"encoding/base64"
	"html"
	"io"
	"mime"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
)

const (
	noSubject = "(no subject)"
	noBody    = "(body not available)"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeHeader decodes RFC 2047 encoded-words in a header value.
func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// bareAddress returns the address part of a From header value.
func bareAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		s = strings.TrimSpace(s)
		if i, j := strings.LastIndex(s, "<"), strings.LastIndex(s, ">"); i >= 0 && j > i {
			return s[i+1 : j]
		}
		return s
	}
	return addr.Address
}

// decodeData decodes Gmail's base64url body data, padded or not.
func decodeData(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// convertMessage maps a full-format Gmail message onto Message.
func convertMessage(m *gmail.Message) *Message {
	msg := &Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Labels:   m.LabelIds,
		Subject:  noSubject,
		Body:     noBody,
	}
	if m.Payload == nil {
		return msg
	}

	if s := strings.TrimSpace(decodeHeader(header(m.Payload.Headers, "Subject"))); s != "" {
		msg.Subject = s
	}
	msg.Sender = bareAddress(decodeHeader(header(m.Payload.Headers, "From")))

	plain, htmlBody := textParts(m.Payload)
	msg.Body = chooseBody(plain, htmlBody)
	msg.Attachments = attachments(m.Payload)
	return msg
}

// textParts walks the part tree depth-first, root included, and returns the
// first text/plain and first text/html bodies.
func textParts(root *gmail.MessagePart) (plain, htmlBody string) {
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if p.Filename == "" && p.Body != nil && p.Body.Data != "" {
			data, err := decodeData(p.Body.Data)
			if err == nil {
				switch {
				case strings.HasPrefix(p.MimeType, "text/plain") && plain == "":
					plain = string(data)
				case strings.HasPrefix(p.MimeType, "text/html") && htmlBody == "":
					htmlBody = string(data)
				}
			}
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(root)
	return plain, htmlBody
}

func chooseBody(plain, htmlBody string) string {
	plain = strings.ReplaceAll(plain, "\r\n", "\n")
	if s := strings.TrimSpace(plain); s != "" {
		return s
	}
	if s := htmlToText(htmlBody); s != "" {
		return s
	}
	return noBody
}

var (
	breakTag = regexp.MustCompile(`(?i)<br\s*/?>`)
	anyTag   = regexp.MustCompile(`<[^>]+>`)
)

// htmlToText renders an HTML body as readable text.
func htmlToText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if md, err := htmltomarkdown.ConvertString(s); err == nil {
		return strings.TrimSpace(md)
	}
	s = breakTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, " ")
	return strings.TrimSpace(html.UnescapeString(s))
}

func attachments(root *gmail.MessagePart) []Attachment {
	var out []Attachment
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if p.Filename != "" {
			a := Attachment{Filename: p.Filename}
			if p.Body != nil {
				a.ID = p.Body.AttachmentId
				a.Data = p.Body.Data
				a.Size = p.Body.Size
			}
			out = append(out, a)
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(root)
	return out
}

// parseRaw extracts the subject and readable body of an RFC 5322 message.
func parseRaw(raw []byte) (subject, body string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}
	defer mr.Close()

	subject, err = mr.Header.Subject()
	if err != nil {
		subject = decodeHeader(mr.Header.Get("Subject"))
	}

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = string(b)
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(b)
		}
	}
	return subject, chooseBody(plain, htmlBody), nil
}
