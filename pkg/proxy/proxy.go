// Package proxy is the OpenAI-compatible front door. Every request passes
// through the admission controller before it reaches the upstream API.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/admission"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/pricing"
)

// DefaultSessionID is used for requests without a session when strict mode is off.
const DefaultSessionID = "default"

const maxBodyBytes = 10 << 20

// Config controls the listener and session resolution.
type Config struct {
	Listen string `yaml:"listen"`
	// StrictMode rejects requests that carry no session id.
	StrictMode bool `yaml:"strict_mode"`
}

// Server is the TokenGate reverse proxy.
type Server struct {
	cfg      Config
	ctrl     *admission.Controller
	upstream *Upstream
	counter  pricing.TokenCounter
	mux      *http.ServeMux
	log      zerolog.Logger
}

// New creates a proxy Server wired with all dependencies.
func New(cfg Config, ctrl *admission.Controller, up *Upstream, counter pricing.TokenCounter, logger zerolog.Logger) *Server {
	if counter == nil {
		counter = pricing.WordCounter{}
	}
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		upstream: up,
		counter:  counter,
		mux:      http.NewServeMux(),
		log:      logger.With().Str("component", "proxy").Logger(),
	}
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	s.mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	return s
}

// Handle mounts an extra handler (dashboard, metrics) on the proxy listener.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("tokengate proxy listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// resolveSessionID reads X-Session-ID, then the session_id query parameter.
func (s *Server) resolveSessionID(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return id, true
	}
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return id, true
	}
	if s.cfg.StrictMode {
		return "", false
	}
	return DefaultSessionID, true
}

// parser turns a request body into an admission request (without session
// or request id).
type parser func(body []byte) (models.AdmissionRequest, error)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "/v1/chat/completions", func(body []byte) (models.AdmissionRequest, error) {
		var req models.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return models.AdmissionRequest{}, errors.New("invalid JSON in request body")
		}
		if req.Model == "" {
			return models.AdmissionRequest{}, errors.New("missing required field: model")
		}
		if req.Messages == nil {
			return models.AdmissionRequest{}, errors.New("missing required field: messages")
		}
		if len(req.Messages) == 0 {
			return models.AdmissionRequest{}, errors.New("field 'messages' cannot be empty")
		}
		if req.Stream {
			return models.AdmissionRequest{}, errors.New("streaming requests are not supported")
		}
		return models.AdmissionRequest{
			Model:                req.Model,
			Messages:             req.Messages,
			InputTokens:          s.counter.CountMessages(req.Messages),
			ExpectedOutputTokens: req.MaxTokens,
		}, nil
	})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "/v1/completions", func(body []byte) (models.AdmissionRequest, error) {
		var req models.CompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return models.AdmissionRequest{}, errors.New("invalid JSON in request body")
		}
		if req.Model == "" {
			return models.AdmissionRequest{}, errors.New("missing required field: model")
		}
		if req.Stream {
			return models.AdmissionRequest{}, errors.New("streaming requests are not supported")
		}
		prompt, tokens := s.countInput(req.Prompt)
		return models.AdmissionRequest{
			Model:                req.Model,
			Messages:             []models.ChatMessage{{Role: "prompt", Content: prompt}},
			InputTokens:          tokens,
			ExpectedOutputTokens: req.MaxTokens,
		}, nil
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "/v1/embeddings", func(body []byte) (models.AdmissionRequest, error) {
		var req models.EmbeddingRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return models.AdmissionRequest{}, errors.New("invalid JSON in request body")
		}
		if req.Model == "" {
			return models.AdmissionRequest{}, errors.New("missing required field: model")
		}
		if len(req.Input) == 0 || string(req.Input) == "null" {
			return models.AdmissionRequest{}, errors.New("missing required field: input")
		}
		input, tokens := s.countInput(req.Input)
		none := 0
		return models.AdmissionRequest{
			Model:                req.Model,
			Messages:             []models.ChatMessage{{Role: "input", Content: input}},
			InputTokens:          tokens,
			ExpectedOutputTokens: &none,
		}, nil
	})
}

// countInput handles the string / []string / token-array forms that prompt
// and input accept. It returns the text used for fingerprinting and the
// input token count.
func (s *Server) countInput(raw json.RawMessage) (string, int) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, s.counter.CountText(str)
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		joined := strings.Join(strs, "\n")
		n := 0
		for _, p := range strs {
			n += s.counter.CountText(p)
		}
		return joined, n
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err == nil {
		return string(raw), len(ids)
	}
	var batches [][]int
	if err := json.Unmarshal(raw, &batches); err == nil {
		n := 0
		for _, b := range batches {
			n += len(b)
		}
		return string(raw), n
	}
	return string(raw), s.counter.CountText(string(raw))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, path string, parse parser) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	r.Body.Close()

	req, err := parse(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	sessionID, ok := s.resolveSessionID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest,
			"session_id is required (X-Session-ID header or session_id query param)", "invalid_request_error")
		return
	}
	req.SessionID = sessionID
	req.RequestID = r.Header.Get("X-Request-ID")
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	header := r.Header.Clone()
	fwd := admission.ForwarderFunc(func(ctx context.Context, _ *budget.Reservation) (*admission.Upstream, error) {
		return s.upstream.Do(ctx, path, header, body)
	})

	out, err := s.ctrl.Admit(r.Context(), req, fwd)
	w.Header().Set("X-Session-ID", sessionID)
	w.Header().Set("X-Request-ID", req.RequestID)

	var denial models.Denial
	switch {
	case errors.As(err, &denial):
		writeDenial(w, denial)
		return
	case errors.Is(err, admission.ErrUpstream):
		status := http.StatusBadGateway
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			status = http.StatusGatewayTimeout
		}
		writeJSONError(w, status, fmt.Sprintf("Failed to forward request upstream: %v", err), "upstream_error")
		return
	case err != nil:
		s.log.Error().Err(err).Str("request_id", req.RequestID).Str("session_id", sessionID).Msg("admission failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error", "internal_error")
		return
	}

	if out.Decision.Remaining != nil {
		w.Header().Set("X-TokenGate-Remaining", fmt.Sprintf("%.6f", *out.Decision.Remaining))
	}
	if out.Decision.ActualCost != nil {
		w.Header().Set("X-TokenGate-Cost", fmt.Sprintf("%.6f", *out.Decision.ActualCost))
	}
	up := out.Upstream
	for _, k := range []string{"Content-Type", "Openai-Processing-Ms"} {
		if v := up.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(up.StatusCode)
	if _, err := w.Write(up.Body); err != nil {
		s.log.Debug().Err(err).Str("request_id", req.RequestID).Msg("client went away")
	}
}
