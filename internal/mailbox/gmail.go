package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const me = "me"

// Config holds Gmail adapter settings.
type Config struct {
	CredentialsFile string
	TokenFile       string
	// CallbackAddr is the local address the OAuth consent redirect lands on.
	CallbackAddr string
}

// Gmail talks to the Gmail API with OAuth2 credentials. Calls go through a
// circuit breaker that opens on repeated server-side failures.
type Gmail struct {
	config *Config
	logger *log.Logger
	cb     *gobreaker.CircuitBreaker

	mu      sync.Mutex
	service *gmail.Service
}

// NewGmail creates an unauthenticated Gmail adapter.
func NewGmail(cfg *Config, logger *log.Logger) *Gmail {
	if logger == nil {
		logger = log.Default()
	}
	g := &Gmail{config: cfg, logger: logger}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Authenticate builds the Gmail service from the cached token. Without a
// usable token it runs the browser consent flow when interactive is true and
// fails with ErrAuth otherwise.
func (g *Gmail) Authenticate(ctx context.Context, interactive bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.service != nil {
		return nil
	}

	credBytes, err := os.ReadFile(g.config.CredentialsFile)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(credBytes, gmail.GmailReadonlyScope, gmail.GmailSendScope, gmail.GmailModifyScope, gmail.GmailComposeScope)
	if err != nil {
		return fmt.Errorf("failed to parse credentials: %w", err)
	}

	token, err := g.loadToken()
	if err != nil {
		if !interactive {
			return fmt.Errorf("%w: %v (run `tgmail auth`)", ErrAuth, err)
		}
		token, err = g.getTokenFromWeb(ctx, config)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		if err := g.saveToken(token); err != nil {
			g.logger.Warn("failed to save token", "error", err)
		}
	}

	src := &savingTokenSource{
		base:   config.TokenSource(context.WithoutCancel(ctx), token),
		last:   token.AccessToken,
		save:   g.saveToken,
		logger: g.logger,
	}
	client := oauth2.NewClient(context.WithoutCancel(ctx), src)
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("failed to create Gmail service: %w", err)
	}

	g.service = service
	g.logger.Info("connected to Gmail")
	return nil
}

// savingTokenSource persists refreshed tokens so restarts reuse them.
type savingTokenSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *log.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.logger.Warn("failed to save refreshed token", "error", err)
		}
	}
	return tok, nil
}

func (g *Gmail) loadToken() (*oauth2.Token, error) {
	f, err := os.Open(g.config.TokenFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, err
	}

	if token.Expiry.Before(time.Now()) && token.RefreshToken == "" {
		return nil, fmt.Errorf("token expired")
	}

	return &token, nil
}

func (g *Gmail) saveToken(token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(g.config.TokenFile), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(g.config.TokenFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(token)
}

func (g *Gmail) getTokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	addr := g.config.CallbackAddr
	if addr == "" {
		addr = "localhost:8089"
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			errCh <- fmt.Errorf("no code in callback")
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		codeCh <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for OAuth callback: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer server.Shutdown(context.WithoutCancel(ctx))

	config.RedirectURL = "http://" + addr + "/callback"
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)

	fmt.Printf("\nOpen this URL in your browser to authorize tgmail:\n\n%s\n\nWaiting for authorization...\n", authURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authorization timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

func (g *Gmail) svc() (*gmail.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.service == nil {
		return nil, fmt.Errorf("%w: not connected", ErrAuth)
	}
	return g.service, nil
}

// call runs fn through the circuit breaker. Client errors do not count as
// breaker failures.
func (g *Gmail) call(op string, fn func(*gmail.Service) error) error {
	service, err := g.svc()
	if err != nil {
		return err
	}

	_, err = g.cb.Execute(func() (interface{}, error) {
		err := fn(service)
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case 400, 401, 403, 404:
				return nil, &nonCircuitError{err: err}
			}
		}
		return nil, err
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}
	if err == nil {
		return nil
	}

	e := &Error{Op: op, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e.Code = apiErr.Code
	}
	if e.Temporary() {
		g.logger.Debug("gmail call failed", "op", op, "breaker", g.cb.State().String(), "error", err)
	}
	return e
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// LatestMessageID returns the id of the newest INBOX message, or "" when the
// inbox is empty.
func (g *Gmail) LatestMessageID(ctx context.Context) (string, error) {
	var id string
	err := g.call("list", func(s *gmail.Service) error {
		resp, err := s.Users.Messages.List(me).
			LabelIds(LabelInbox).
			MaxResults(1).
			IncludeSpamTrash(false).
			Context(ctx).Do()
		if err != nil {
			return err
		}
		if len(resp.Messages) > 0 {
			id = resp.Messages[0].Id
		}
		return nil
	})
	return id, err
}

// FetchMessage fetches and decodes a full message.
func (g *Gmail) FetchMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := g.call("get", func(s *gmail.Service) error {
		m, err := s.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg = convertMessage(m)
		return nil
	})
	return msg, err
}

// ModifyLabels adds and removes label ids on a message.
func (g *Gmail) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	return g.call("modify", func(s *gmail.Service) error {
		_, err := s.Users.Messages.Modify(me, id, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

func (g *Gmail) replyMessage(r Reply) (*gmail.Message, error) {
	raw, err := composeMessage(r.To, replySubject(r.Subject), r.Body, r.PixelURL)
	if err != nil {
		return nil, err
	}
	return &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: r.ThreadID,
	}, nil
}

// SendReply sends r in its thread with a "Re:" subject.
func (g *Gmail) SendReply(ctx context.Context, r Reply) error {
	msg, err := g.replyMessage(r)
	if err != nil {
		return err
	}
	return g.call("send", func(s *gmail.Service) error {
		_, err := s.Users.Messages.Send(me, msg).Context(ctx).Do()
		return err
	})
}

// SaveDraft stores r as a draft in its thread.
func (g *Gmail) SaveDraft(ctx context.Context, r Reply) error {
	msg, err := g.replyMessage(r)
	if err != nil {
		return err
	}
	return g.call("draft", func(s *gmail.Service) error {
		_, err := s.Users.Drafts.Create(me, &gmail.Draft{Message: msg}).Context(ctx).Do()
		return err
	})
}

// Forward sends a copy of message id to the given address.
func (g *Gmail) Forward(ctx context.Context, id, to string) error {
	var raw []byte
	err := g.call("get", func(s *gmail.Service) error {
		m, err := s.Users.Messages.Get(me, id).Format("raw").Context(ctx).Do()
		if err != nil {
			return err
		}
		raw, err = decodeData(m.Raw)
		return err
	})
	if err != nil {
		return err
	}

	subject, body, err := parseRaw(raw)
	if err != nil {
		return fmt.Errorf("failed to parse message %s: %w", id, err)
	}

	out, err := composeMessage(to, forwardSubject(subject), forwardBody(body), "")
	if err != nil {
		return err
	}
	return g.call("send", func(s *gmail.Service) error {
		_, err := s.Users.Messages.Send(me, &gmail.Message{
			Raw: base64.URLEncoding.EncodeToString(out),
		}).Context(ctx).Do()
		return err
	})
}

// Trash moves a message to the trash.
func (g *Gmail) Trash(ctx context.Context, id string) error {
	return g.call("trash", func(s *gmail.Service) error {
		_, err := s.Users.Messages.Trash(me, id).Context(ctx).Do()
		return err
	})
}

// AttachmentBytes returns the decoded content of an attachment, using the
// inline data when the message carried it.
func (g *Gmail) AttachmentBytes(ctx context.Context, id string, a Attachment) ([]byte, error) {
	data := a.Data
	if data == "" {
		if a.ID == "" {
			return nil, fmt.Errorf("attachment %q: %w", a.Filename, ErrNotFound)
		}
		err := g.call("attachment", func(s *gmail.Service) error {
			body, err := s.Users.Messages.Attachments.Get(me, id, a.ID).Context(ctx).Do()
			if err != nil {
				return err
			}
			data = body.Data
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	b, err := decodeData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %q: %w", a.Filename, err)
	}
	return b, nil
}

// Labels lists all labels of the mailbox.
func (g *Gmail) Labels(ctx context.Context) ([]Label, error) {
	var labels []Label
	err := g.call("labels", func(s *gmail.Service) error {
		resp, err := s.Users.Labels.List(me).Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, l := range resp.Labels {
			labels = append(labels, Label{ID: l.Id, Name: l.Name})
		}
		return nil
	})
	return labels, err
}
