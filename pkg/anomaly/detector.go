// Package anomaly watches per-session request patterns and freezes sessions
// that look like runaway loops, bursts or spend spikes.
package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/store"
)

// Rule names.
const (
	RuleRate     = "rate"
	RuleLoop     = "loop"
	RuleVelocity = "velocity"
)

// Config holds the detector thresholds.
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	RateWindow        time.Duration `yaml:"rate_window"`
	MaxRequests       int           `yaml:"max_requests"`
	LoopThreshold     int           `yaml:"loop_threshold"`
	VelocityWindow    time.Duration `yaml:"velocity_window"`
	VelocityThreshold float64       `yaml:"velocity_threshold"`
	FreezeDuration    time.Duration `yaml:"freeze_duration"`
	// WindowTTL expires the window keys of idle sessions.
	WindowTTL time.Duration `yaml:"window_ttl"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RateWindow:        time.Minute,
		MaxRequests:       100,
		LoopThreshold:     3,
		VelocityWindow:    time.Minute,
		VelocityThreshold: 1.0,
		FreezeDuration:    5 * time.Minute,
		WindowTTL:         10 * time.Minute,
	}
}

// Freezer is the part of the state machine the detector drives.
type Freezer interface {
	Freeze(ctx context.Context, id, reason string, d time.Duration) (bool, error)
}

// Event is one inbound request as seen by the detector.
type Event struct {
	SessionID   string
	RequestID   string
	Fingerprint string
}

// Trigger is a rule that fired.
type Trigger struct {
	Rule   string
	Reason string
}

// Verdict is the outcome of observing one request.
type Verdict struct {
	Stats    models.AnomalyStats
	Triggers []Trigger
	// Frozen is set when a rule fired and the session was frozen (or was
	// already frozen and had its reason updated).
	Frozen bool
	// Reason is the freeze reason, taken from the first rule that fired.
	Reason string
}

// Detector evaluates the rate, loop and velocity rules.
type Detector struct {
	store   *store.Store
	freezer Freezer
	cfg     Config
	retry   store.RetryPolicy
	log     zerolog.Logger
	now     func() time.Time
	onFire  func(rule string)
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithRetry overrides the store retry policy.
func WithRetry(p store.RetryPolicy) Option {
	return func(d *Detector) { d.retry = p }
}

// WithTriggerHook registers a callback invoked for every rule that fires.
func WithTriggerHook(fn func(rule string)) Option {
	return func(d *Detector) { d.onFire = fn }
}

// New creates a Detector. Zero-valued thresholds take their defaults.
func New(s *store.Store, freezer Freezer, cfg Config, logger zerolog.Logger, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = def.LoopThreshold
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.WindowTTL < cfg.RateWindow || cfg.WindowTTL < cfg.VelocityWindow {
		cfg.WindowTTL = max(cfg.RateWindow, cfg.VelocityWindow, def.WindowTTL)
	}
	d := &Detector{
		store:   s,
		freezer: freezer,
		cfg:     cfg,
		retry:   store.DefaultRetryPolicy(),
		log:     logger.With().Str("component", "anomaly").Logger(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// bucket is the granularity of the spend window.
func (d *Detector) bucket() time.Duration {
	b := d.cfg.VelocityWindow / 60
	if b < time.Second {
		b = time.Second
	}
	return b
}

// Observe records a request and evaluates the rules in order rate, loop,
// velocity. When any fire the session is frozen once with the first reason.
func (d *Detector) Observe(ctx context.Context, ev Event) (*Verdict, error) {
	v := &Verdict{Stats: d.thresholds()}
	if !d.cfg.Enabled {
		return v, nil
	}

	now := d.now()
	// Every observation counts once, whatever request id the client sent.
	member := uuid.NewString()
	keys := d.store.Keys()
	var reply store.Reply
	err := d.retry.Do(ctx, "observe", func(ctx context.Context) error {
		res, err := observeScript.Run(ctx, d.store.Client(),
			[]string{keys.Requests(ev.SessionID), keys.Fingerprints(ev.SessionID), keys.Spend(ev.SessionID)},
			now.UnixMilli(), d.cfg.RateWindow.Milliseconds(), d.cfg.MaxRequests, member, ev.Fingerprint,
			d.cfg.LoopThreshold, d.cfg.VelocityWindow.Milliseconds(), d.bucket().Milliseconds(),
			int64(d.cfg.WindowTTL.Seconds()),
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if err := d.fill(&v.Stats, reply); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}

	v.Triggers = d.evaluate(v.Stats)
	if len(v.Triggers) == 0 {
		return v, nil
	}
	for _, tr := range v.Triggers {
		if d.onFire != nil {
			d.onFire(tr.Rule)
		}
	}
	first := v.Triggers[0]
	for _, tr := range v.Triggers[1:] {
		d.log.Warn().
			Str("session_id", ev.SessionID).
			Str("rule", tr.Rule).
			Str("reason", tr.Reason).
			Msg("anomaly rule also fired")
	}

	if _, err := d.freezer.Freeze(ctx, ev.SessionID, first.Reason, d.cfg.FreezeDuration); err != nil {
		return nil, fmt.Errorf("freeze on %s: %w", first.Rule, err)
	}
	d.log.Warn().
		Str("session_id", ev.SessionID).
		Str("request_id", ev.RequestID).
		Str("rule", first.Rule).
		Str("reason", first.Reason).
		Dur("freeze", d.cfg.FreezeDuration).
		Msg("anomaly detected")
	v.Frozen = true
	v.Reason = first.Reason
	return v, nil
}

func (d *Detector) evaluate(s models.AnomalyStats) []Trigger {
	var out []Trigger
	if s.RequestsInWindow > d.cfg.MaxRequests {
		out = append(out, Trigger{
			Rule:   RuleRate,
			Reason: fmt.Sprintf("rate limit exceeded: %d requests/%s", s.RequestsInWindow, d.cfg.RateWindow),
		})
	}
	if s.IdenticalRun >= d.cfg.LoopThreshold {
		out = append(out, Trigger{
			Rule:   RuleLoop,
			Reason: fmt.Sprintf("loop detected: %d identical consecutive requests", s.IdenticalRun),
		})
	}
	if d.cfg.VelocityThreshold > 0 && s.SpendInWindow > d.cfg.VelocityThreshold {
		out = append(out, Trigger{
			Rule:   RuleVelocity,
			Reason: fmt.Sprintf("spending velocity exceeded: $%.4f/%s", s.SpendInWindow, d.cfg.VelocityWindow),
		})
	}
	return out
}

// RecordSpend adds a committed cost to the velocity window.
func (d *Detector) RecordSpend(ctx context.Context, sessionID string, cost float64) error {
	if !d.cfg.Enabled || cost <= 0 {
		return nil
	}
	now := d.now()
	err := d.retry.Do(ctx, "record_spend", func(ctx context.Context) error {
		return recordSpendScript.Run(ctx, d.store.Client(),
			[]string{d.store.Keys().Spend(sessionID)},
			now.UnixMilli(), int64(models.USD(cost)), d.bucket().Milliseconds(), int64(d.cfg.WindowTTL.Seconds()),
		).Err()
	})
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Stats reads the current window counters.
func (d *Detector) Stats(ctx context.Context, sessionID string) (models.AnomalyStats, error) {
	stats := d.thresholds()
	keys := d.store.Keys()
	var reply store.Reply
	err := d.retry.Do(ctx, "anomaly_stats", func(ctx context.Context) error {
		res, err := statsScript.Run(ctx, d.store.Client(),
			[]string{keys.Requests(sessionID), keys.Fingerprints(sessionID), keys.Spend(sessionID)},
			d.now().UnixMilli(), d.cfg.RateWindow.Milliseconds(), d.cfg.LoopThreshold,
			d.cfg.VelocityWindow.Milliseconds(), d.bucket().Milliseconds(),
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("anomaly stats: %w", err)
	}
	if err := d.fill(&stats, reply); err != nil {
		return stats, fmt.Errorf("anomaly stats: %w", err)
	}
	return stats, nil
}

// Clear drops the window state of a session.
func (d *Detector) Clear(ctx context.Context, sessionID string) error {
	keys := d.store.Keys()
	err := d.retry.Do(ctx, "anomaly_clear", func(ctx context.Context) error {
		return d.store.Client().Del(ctx,
			keys.Requests(sessionID), keys.Fingerprints(sessionID), keys.Spend(sessionID)).Err()
	})
	if err != nil {
		return fmt.Errorf("anomaly clear: %w", err)
	}
	return nil
}

func (d *Detector) thresholds() models.AnomalyStats {
	return models.AnomalyStats{
		MaxRequests:           d.cfg.MaxRequests,
		LoopThreshold:         d.cfg.LoopThreshold,
		VelocityThreshold:     d.cfg.VelocityThreshold,
		RateWindowSeconds:     d.cfg.RateWindow.Seconds(),
		VelocityWindowSeconds: d.cfg.VelocityWindow.Seconds(),
	}
}

func (d *Detector) fill(s *models.AnomalyStats, r store.Reply) error {
	count, err := r.Int(0)
	if err != nil {
		return err
	}
	run, err := r.Int(1)
	if err != nil {
		return err
	}
	spent, err := r.Int(2)
	if err != nil {
		return err
	}
	s.RequestsInWindow = int(count)
	s.IdenticalRun = int(run)
	s.SpendInWindow = models.Micros(spent).Float()
	return nil
}

// Fingerprint hashes the parts of a request that identify a repeated call:
// the model and the role and content of each message, with whitespace
// collapsed. Request ids and timestamps never enter the hash.
func Fingerprint(model string, messages []models.ChatMessage) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(model))))
	for _, m := range messages {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(m.Role))))
		h.Write([]byte{0x1f})
		h.Write([]byte(strings.Join(strings.Fields(m.Content), " ")))
	}
	return hex.EncodeToString(h.Sum(nil))
}
