// Package tracking builds tracking pixel URLs for outgoing mail and serves the
// endpoints that report pixel opens back to the bridge.
package tracking

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ExcerptLength is the number of body characters carried in a pixel URL.
const ExcerptLength = 100

// gif is a transparent 1x1 GIF.
var gif, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAAAAACw=")

// NewToken returns a random pixel token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PixelURL returns the pixel address for a mail sent from card.
func PixelURL(base, token string, card int, subject, body string) string {
	q := url.Values{}
	q.Set("id", token)
	q.Set("tg_msg_id", strconv.Itoa(card))
	q.Set("subj", subject)
	q.Set("body_ex", excerpt(body, ExcerptLength))
	return strings.TrimRight(base, "/") + "?" + q.Encode()
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IsProxy reports whether a pixel fetch came from an image proxy or a bot
// rather than the recipient's own client.
func IsProxy(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "googleimageproxy") || strings.Contains(ua, "bot")
}

// CardID is a chat card id that decodes from a JSON number or a numeric
// string.
type CardID int

func (c *CardID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("tg_msg_id: %w", err)
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return fmt.Errorf("tg_msg_id %q: %w", n, err)
	}
	*c = CardID(v)
	return nil
}

// OpenStatus is one open report for a card.
type OpenStatus struct {
	Card       CardID `json:"tg_msg_id"`
	IsUserOpen bool   `json:"is_user_open"`
	Subject    string `json:"email_subject"`
}

// Line is the text appended to the card for this report.
func (s OpenStatus) Line() string {
	icon, who := "❌", "proxy"
	if s.IsUserOpen {
		icon, who = "✅", "user"
	}
	return fmt.Sprintf("%s Email opened by %s (%s)", icon, who, s.Subject)
}

// Applier shows an open report on its card.
type Applier interface {
	ApplyOpenStatus(ctx context.Context, s OpenStatus) error
}
