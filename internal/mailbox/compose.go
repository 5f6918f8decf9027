package mailbox

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

const forwardPreamble = "Automatic forward.\n\n--- Original message ---\n"

var utf8Params = map[string]string{"charset": "utf-8"}

// composeMessage renders an outgoing message. With a pixel URL the body is
// sent as multipart/alternative, the HTML part embedding a hidden 1x1 image.
func composeMessage(to, subject, body, pixelURL string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	if addrs, err := mail.ParseAddressList(to); err == nil && len(addrs) > 0 {
		h.SetAddressList("To", addrs)
	} else {
		h.Set("To", to)
	}

	var buf bytes.Buffer
	if pixelURL == "" {
		h.SetContentType("text/plain", utf8Params)
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		if err := writeClose(w, body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	iw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", utf8Params)
	w, err := iw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if err := writeClose(w, body); err != nil {
		return nil, err
	}

	var hh mail.InlineHeader
	hh.SetContentType("text/html", utf8Params)
	w, err = iw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("failed to create html part: %w", err)
	}
	if err := writeClose(w, pixelHTML(body, pixelURL)); err != nil {
		return nil, err
	}

	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func pixelHTML(body, pixelURL string) string {
	escaped := strings.ReplaceAll(html.EscapeString(body), "\n", "<br>")
	return fmt.Sprintf(`%s<img src="%s" width="1" height="1" style="display:none">`,
		escaped, html.EscapeString(pixelURL))
}

func writeClose(w io.WriteCloser, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		w.Close()
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close part: %w", err)
	}
	return nil
}

func replySubject(subject string) string {
	return "Re: " + subject
}

func forwardSubject(subject string) string {
	return "Fwd: " + subject
}

func forwardBody(original string) string {
	return forwardPreamble + original
}
