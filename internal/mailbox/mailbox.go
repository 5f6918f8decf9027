// Package mailbox is the Gmail side of the bridge: reading new mail, label
// changes, replies, drafts, forwards and attachment download.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"

	"github.com/sony/gobreaker"
)

// Well-known Gmail system labels.
const (
	LabelInbox   = "INBOX"
	LabelStarred = "STARRED"
)

var (
	// ErrAuth means no usable OAuth token is available.
	ErrAuth = errors.New("mailbox authentication required")
	// ErrNotFound means the message, attachment or label does not exist.
	ErrNotFound = errors.New("not found")
)

// Message is a fetched mail message.
type Message struct {
	ID       string
	ThreadID string
	// Sender is the bare address of the From header.
	Sender      string
	Subject     string
	Body        string
	Attachments []Attachment
	Labels      []string
}

// HasLabel reports whether the message carries the label id.
func (m *Message) HasLabel(id string) bool {
	return slices.Contains(m.Labels, id)
}

// Attachment describes one attachment part. Small attachments carry their
// content inline in Data (base64url); larger ones need a separate fetch by ID.
type Attachment struct {
	Filename string
	Size     int64
	ID       string
	Data     string
}

// Label is a mailbox label.
type Label struct {
	ID   string
	Name string
}

// Reply is an outgoing answer within an existing thread.
type Reply struct {
	To       string
	Subject  string
	Body     string
	ThreadID string
	// PixelURL, when set, adds an HTML alternative embedding a tracking image.
	PixelURL string
}

// Mailbox is implemented by Gmail. It exists so commands and tests can swap
// the backend.
type Mailbox interface {
	LatestMessageID(ctx context.Context) (string, error)
	FetchMessage(ctx context.Context, id string) (*Message, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
	SendReply(ctx context.Context, r Reply) error
	SaveDraft(ctx context.Context, r Reply) error
	Forward(ctx context.Context, id, to string) error
	Trash(ctx context.Context, id string) error
	AttachmentBytes(ctx context.Context, id string, a Attachment) ([]byte, error)
	Labels(ctx context.Context) ([]Label, error)
}

// Error is a failed mailbox API call.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gmail %s (%d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gmail %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps HTTP status codes onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrAuth:
		return e.Code == http.StatusUnauthorized
	}
	return false
}

// Temporary reports whether the call may succeed if retried later.
func (e *Error) Temporary() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	if errors.Is(e.Err, gobreaker.ErrOpenState) || errors.Is(e.Err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}
