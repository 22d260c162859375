// Package audit keeps a queryable SQLite trail of admission decisions.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tokengate/tokengate/pkg/models"
)

// Logger writes and queries decision records in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	log     zerolog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[string]bool
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig, logger zerolog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeModels {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		log:     logger.With().Str("component", "audit").Logger(),
		done:    make(chan struct{}),
		exclude: exc,
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		request_id       TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL,
		model            TEXT NOT NULL,
		outcome          TEXT NOT NULL,
		reason           TEXT,
		estimated_micros INTEGER NOT NULL DEFAULT 0,
		actual_micros    INTEGER,
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER,
		remaining_micros INTEGER,
		error            TEXT,
		latency_ms       INTEGER,
		created_at       DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_model ON decisions(model)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores a decision, skipping excluded models.
func (l *Logger) Record(ctx context.Context, d models.Decision) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[d.Model] {
		return nil
	}

	errText := d.Error
	if l.cfg.MaxErrorSize > 0 && len(errText) > l.cfg.MaxErrorSize {
		errText = errText[:l.cfg.MaxErrorSize]
	}

	var actual, remaining, outTokens sql.NullInt64
	if d.ActualCost != nil {
		actual = sql.NullInt64{Int64: int64(models.USD(*d.ActualCost)), Valid: true}
	}
	if d.Remaining != nil {
		remaining = sql.NullInt64{Int64: int64(models.USD(*d.Remaining)), Valid: true}
	}
	if d.OutputTokens != nil {
		outTokens = sql.NullInt64{Int64: int64(*d.OutputTokens), Valid: true}
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decisions
		(request_id, session_id, model, outcome, reason, estimated_micros, actual_micros,
		 input_tokens, output_tokens, remaining_micros, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.SessionID, d.Model, d.Outcome, d.Reason,
		int64(models.USD(d.EstimatedCost)), actual,
		d.InputTokens, outTokens, remaining, errText,
		d.Latency.Milliseconds(), created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// Query returns decisions matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.DecisionQueryOpts) ([]models.Decision, error) {
	q := `SELECT request_id, session_id, model, outcome, reason, estimated_micros, actual_micros,
		input_tokens, output_tokens, remaining_micros, error, latency_ms, created_at
		FROM decisions WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if opts.Reason != "" {
		q += " AND reason = ?"
		args = append(args, opts.Reason)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var reason, errText sql.NullString
		var estimated int64
		var actual, outTokens, remaining, latency sql.NullInt64
		if err := rows.Scan(
			&d.RequestID, &d.SessionID, &d.Model, &d.Outcome, &reason,
			&estimated, &actual, &d.InputTokens, &outTokens, &remaining,
			&errText, &latency, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		d.Reason = reason.String
		d.Error = errText.String
		d.EstimatedCost = models.Micros(estimated).Float()
		d.Latency = time.Duration(latency.Int64) * time.Millisecond
		if actual.Valid {
			v := models.Micros(actual.Int64).Float()
			d.ActualCost = &v
		}
		if remaining.Valid {
			v := models.Micros(remaining.Int64).Float()
			d.Remaining = &v
		}
		if outTokens.Valid {
			v := int(outTokens.Int64)
			d.OutputTokens = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats returns decision counts and committed spend grouped by model,
// outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.DecisionStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, outcome, date(created_at) AS day, count(*) AS cnt,
		        coalesce(sum(actual_micros), 0) AS spent
		 FROM decisions GROUP BY model, outcome, day ORDER BY day DESC, model, outcome`)
	if err != nil {
		return nil, fmt.Errorf("decision stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DecisionStat
	for rows.Next() {
		var s models.DecisionStat
		var day sql.NullString
		var spent int64
		if err := rows.Scan(&s.Model, &s.Outcome, &day, &s.Count, &spent); err != nil {
			return nil, fmt.Errorf("scan decision stat: %w", err)
		}
		s.Day = day.String
		s.Spent = models.Micros(spent).Float()
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes decisions older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.log.Warn().Err(err).Msg("audit retention cleanup failed")
				continue
			}
			if n > 0 {
				l.log.Info().Int64("deleted", n).Msg("audit retention cleanup")
			}
		}
	}
}
