package tracking

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bborn/tgmail/internal/state"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Pixel-Secret"

// Recorder stores pixel fetches.
type Recorder interface {
	RecordOpen(o state.PixelOpen) error
}

// Config holds server configuration.
type Config struct {
	Addr     string
	Secret   string
	Applier  Applier
	Recorder Recorder // optional
}

// Server serves /pixel and /pixel_status.
type Server struct {
	addr     string
	secret   string
	applier  Applier
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time
}

// NewServer creates a tracking server.
func NewServer(cfg Config, logger *log.Logger) *Server {
	return &Server{
		addr:     cfg.Addr,
		secret:   cfg.Secret,
		applier:  cfg.Applier,
		recorder: cfg.Recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.recovery)
	r.Use(s.loggingMiddleware)

	r.Get("/pixel", s.handlePixel)
	r.Post("/pixel_status", s.handleStatus)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting tracking server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		s.logger.Warn("rejected status report", "ip", r.RemoteAddr)
		jsonResponse(w, map[string]string{"status": "unauthorized"}, http.StatusUnauthorized)
		return
	}

	var st OpenStatus
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&st); err != nil {
		jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if st.Card <= 0 {
		jsonError(w, "tg_msg_id missing", http.StatusBadRequest)
		return
	}

	if err := s.applier.ApplyOpenStatus(r.Context(), st); err != nil {
		s.logger.Error("failed to apply open status", "card", int(st.Card), "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "success"}, http.StatusOK)
}

func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("id")
	if token == "" {
		token = NewToken()
	}
	ua := r.UserAgent()
	subject := q.Get("subj")
	if subject == "" {
		subject = "N/A"
	}
	var card CardID
	if raw := q.Get("tg_msg_id"); raw != "" {
		if err := card.UnmarshalJSON([]byte(`"` + raw + `"`)); err != nil {
			card = 0
		}
	}

	st := OpenStatus{Card: card, IsUserOpen: !IsProxy(ua), Subject: subject}

	if s.recorder != nil {
		err := s.recorder.RecordOpen(state.PixelOpen{
			Token:     token,
			CardID:    int(card),
			Subject:   subject,
			IsUser:    st.IsUserOpen,
			IP:        r.RemoteAddr,
			UserAgent: ua,
			FetchInfo: r.Header.Get("X-Gmail-Fetch-Info"),
			OpenedAt:  s.now(),
		})
		if err != nil {
			s.logger.Error("failed to record pixel open", "token", token, "error", err)
		}
	}

	if card > 0 {
		if err := s.applier.ApplyOpenStatus(r.Context(), st); err != nil {
			s.logger.Error("failed to apply open status", "card", int(card), "error", err)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(gif)
}

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"status": "error", "message": message}, status)
}
