// Package admission runs the per-request protocol: observe, check state,
// estimate, reserve, forward, then commit or refund.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/anomaly"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/pricing"
	"github.com/tokengate/tokengate/pkg/session"
	"github.com/tokengate/tokengate/pkg/store"
)

// ErrUpstream wraps failures to get any response from the upstream API.
var ErrUpstream = errors.New("upstream request failed")

// Config bounds the forward and settle phases.
type Config struct {
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	SettleTimeout   time.Duration `yaml:"settle_timeout"`
}

// Upstream is the response of a forwarded request.
type Upstream struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Usage is nil when the response carried no usage block.
	Usage *models.Usage
}

// OK reports whether the upstream accepted the request.
func (u *Upstream) OK() bool { return u.StatusCode >= 200 && u.StatusCode < 300 }

// Forwarder performs an approved request. The reservation is the hold the
// request runs under.
type Forwarder interface {
	Forward(ctx context.Context, r *budget.Reservation) (*Upstream, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, r *budget.Reservation) (*Upstream, error)

func (f ForwarderFunc) Forward(ctx context.Context, r *budget.Reservation) (*Upstream, error) {
	return f(ctx, r)
}

// Recorder persists decision records.
type Recorder interface {
	Record(ctx context.Context, d models.Decision) error
}

// Metrics receives per-decision measurements.
type Metrics interface {
	Decision(outcome, reason string, latency time.Duration)
	Estimated(model string, usd float64)
	Actual(model string, usd float64)
	Overshoot(model string, usd float64)
}

// Outcome is the result of one admission.
type Outcome struct {
	Decision models.Decision
	// Upstream is set whenever the request was forwarded and answered.
	Upstream *Upstream
}

// Controller is the only component that talks to both the ledger and the
// detector.
type Controller struct {
	ledger    *budget.Ledger
	states    *session.Machine
	detector  *anomaly.Detector
	estimator *pricing.Estimator
	cfg       Config
	log       zerolog.Logger

	recorder Recorder
	metrics  Metrics
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sends every decision to r.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithMetrics reports every decision to m.
func WithMetrics(m Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithClock overrides the time source used for latency and timestamps.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates a Controller.
func New(l *budget.Ledger, m *session.Machine, d *anomaly.Detector, e *pricing.Estimator, cfg Config, logger zerolog.Logger, opts ...Option) *Controller {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	c := &Controller{
		ledger:    l,
		states:    m,
		detector:  d,
		estimator: e,
		cfg:       cfg,
		log:       logger.With().Str("component", "admission").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit runs req through admission and, when approved, through fwd.
//
// A denial is returned as the error, and it satisfies models.Denial. An
// upstream that could not be reached yields an error wrapping ErrUpstream.
// An upstream that answered with a non-2xx status is not an error: the
// Outcome carries the response and the hold has been refunded. The Outcome
// is never nil.
func (c *Controller) Admit(ctx context.Context, req models.AdmissionRequest, fwd Forwarder) (*Outcome, error) {
	start := c.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	out := &Outcome{Decision: models.Decision{
		RequestID:   req.RequestID,
		SessionID:   req.SessionID,
		Model:       req.Model,
		InputTokens: req.InputTokens,
		CreatedAt:   start.UTC(),
	}}

	err := c.admit(ctx, req, fwd, out)
	out.Decision.Latency = c.now().Sub(start)

	var denial models.Denial
	switch {
	case errors.As(err, &denial):
		out.Decision.Outcome = models.DecisionDenied
		out.Decision.Reason = denial.Code()
		out.Decision.Error = denial.Error()
	case err != nil:
		out.Decision.Outcome = models.DecisionFailed
		out.Decision.Error = err.Error()
	case out.Upstream != nil && !out.Upstream.OK():
		out.Decision.Outcome = models.DecisionFailed
		out.Decision.Reason = fmt.Sprintf("upstream_%d", out.Upstream.StatusCode)
	default:
		out.Decision.Outcome = models.DecisionAllowed
	}
	c.emit(ctx, out.Decision)
	return out, err
}

func (c *Controller) admit(ctx context.Context, req models.AdmissionRequest, fwd Forwarder, out *Outcome) error {
	verdict, err := c.detector.Observe(ctx, anomaly.Event{
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		Fingerprint: anomaly.Fingerprint(req.Model, req.Messages),
	})
	if err != nil {
		return failClosed("observe", err)
	}

	state, err := c.states.Snapshot(ctx, req.SessionID)
	if err != nil {
		return failClosed("state", err)
	}
	switch {
	case state.Frozen():
		return &models.SessionFrozenError{SessionID: req.SessionID, Reason: state.Freeze.Reason, ExpiresAt: state.Freeze.ExpiresAt}
	case verdict.Frozen:
		return &models.SessionFrozenError{SessionID: req.SessionID, Reason: verdict.Reason}
	}

	estimate, err := c.estimator.Estimate(req.Model, req.InputTokens, req.ExpectedOutputTokens)
	if err != nil {
		return err
	}
	out.Decision.EstimatedCost = estimate

	r, err := c.ledger.Reserve(ctx, req.SessionID, estimate)
	if err != nil {
		var be *models.BudgetExceededError
		if errors.As(err, &be) {
			remaining := be.Remaining
			out.Decision.Remaining = &remaining
		}
		return failClosed("reserve", err)
	}
	if c.metrics != nil {
		c.metrics.Estimated(req.Model, estimate)
	}

	up, ferr := c.forward(ctx, fwd, r)
	out.Upstream = up

	// Settlement must happen even when the caller has gone away.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
	defer cancel()

	if ferr != nil || !up.OK() {
		if _, err := c.ledger.Refund(sctx, r); err != nil {
			c.log.Error().Err(err).
				Str("session_id", req.SessionID).
				Str("reservation", r.ID).
				Msg("refund failed; hold will be reclaimed at its deadline")
		}
		if ferr != nil {
			return fmt.Errorf("%w: %w", ErrUpstream, ferr)
		}
		return nil
	}

	c.commit(sctx, req, r, up, out)
	return nil
}

func (c *Controller) commit(ctx context.Context, req models.AdmissionRequest, r *budget.Reservation, up *Upstream, out *Outcome) {
	actual := r.Estimate
	if up.Usage != nil {
		cost, err := c.estimator.ActualCost(req.Model, up.Usage.PromptTokens, up.Usage.CompletionTokens)
		if err == nil {
			actual = cost
			out.Decision.InputTokens = up.Usage.PromptTokens
			outTokens := up.Usage.CompletionTokens
			out.Decision.OutputTokens = &outTokens
		} else {
			c.log.Warn().Err(err).Str("model", req.Model).Msg("pricing actual cost failed; charging the estimate")
		}
	} else {
		c.log.Warn().
			Str("session_id", req.SessionID).
			Str("model", req.Model).
			Msg("upstream reported no usage; charging the estimate")
	}

	s, err := c.ledger.Commit(ctx, r, actual)
	if err != nil {
		c.log.Error().Err(err).
			Str("session_id", req.SessionID).
			Str("reservation", r.ID).
			Float64("actual", actual).
			Msg("commit failed; cost not recorded")
		out.Decision.Error = err.Error()
		return
	}
	out.Decision.ActualCost = &actual
	remaining := s.Budget - s.Spent - s.Reserved
	if remaining < 0 {
		remaining = 0
	}
	out.Decision.Remaining = &remaining

	if c.metrics != nil {
		c.metrics.Actual(req.Model, actual)
		if s.Overshoot > 0 {
			c.metrics.Overshoot(req.Model, s.Overshoot)
		}
	}
	if s.Duplicate() {
		return
	}
	if err := c.detector.RecordSpend(ctx, req.SessionID, actual); err != nil {
		c.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("record spend failed")
	}
}

// forward calls fwd under the upstream timeout. A panic in fwd is recovered
// and reported as a forwarding error.
func (c *Controller) forward(ctx context.Context, fwd Forwarder, r *budget.Reservation) (up *Upstream, err error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().
				Interface("panic", p).
				Str("session_id", r.SessionID).
				Str("reservation", r.ID).
				Msg("forwarder panicked")
			up, err = nil, fmt.Errorf("forwarder panic: %v", p)
		}
	}()
	up, err = fwd.Forward(fctx, r)
	if err == nil && up == nil {
		err = errors.New("forwarder returned no response")
	}
	return up, err
}

func (c *Controller) emit(ctx context.Context, d models.Decision) {
	ev := c.log.Info()
	if d.Outcome != models.DecisionAllowed {
		ev = c.log.Warn()
	}
	ev = ev.
		Str("request_id", d.RequestID).
		Str("session_id", d.SessionID).
		Str("model", d.Model).
		Str("decision", d.Outcome).
		Float64("estimated_cost", d.EstimatedCost).
		Int("input_tokens", d.InputTokens).
		Dur("latency", d.Latency)
	if d.Reason != "" {
		ev = ev.Str("reason", d.Reason)
	}
	if d.ActualCost != nil {
		ev = ev.Float64("actual_cost", *d.ActualCost)
	}
	if d.OutputTokens != nil {
		ev = ev.Int("output_tokens", *d.OutputTokens)
	}
	if d.Remaining != nil {
		ev = ev.Float64("remaining", *d.Remaining)
	}
	if d.Error != "" {
		ev = ev.Str("error", d.Error)
	}
	ev.Msg("request decision")

	if c.metrics != nil {
		c.metrics.Decision(d.Outcome, d.Reason, d.Latency)
	}
	if c.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.recorder.Record(rctx, d); err != nil {
			c.log.Warn().Err(err).Str("request_id", d.RequestID).Msg("audit record failed")
		}
	}
}

// failClosed turns a store failure that is not already a denial into a
// store_unavailable denial. Error replies such as a broken script are bugs,
// not outages, and pass through as plain errors.
func failClosed(op string, err error) error {
	var denial models.Denial
	if errors.As(err, &denial) {
		return err
	}
	var invalid *models.InvalidAmountError
	if errors.As(err, &invalid) {
		return err
	}
	if store.IsServerError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &models.StoreUnavailableError{Op: op, Err: err}
}
