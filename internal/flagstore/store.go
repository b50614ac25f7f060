package flagstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the single-writer flag table: every read and write is executed
// by one goroutine, serialized through a request channel, generalizing the
// original Queue+Thread FlagStore into Go's own concurrency idiom instead
// of a lock around a shared cursor.
type Store struct {
	conn      *sql.DB
	postgres  bool
	lifetime  time.Duration
	logger    *zap.Logger

	requests chan func()
	stop     chan struct{}
	stopped  chan struct{}
}

// New builds a Store bound to conn. Call Run in its own goroutine before
// issuing any request.
func New(conn *sql.DB, postgres bool, lifetime time.Duration, logger *zap.Logger) *Store {
	return &Store{
		conn:     conn,
		postgres: postgres,
		lifetime: lifetime,
		logger:   logger,
		requests: make(chan func()),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run is the writer goroutine's main loop. It returns once Stop is called
// and any in-flight request has drained. Run a periodic expiry sweep every
// 10 seconds when idle, matching the original cleanup cadence.
func (s *Store) Run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.requests:
			req()
		case <-ticker.C:
			if err := s.sweepExpired(context.Background()); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (s *Store) Stop() {
	close(s.stop)
	<-s.stopped
}

// do runs fn on the writer goroutine and blocks for its result.
func (s *Store) do(fn func() error) error {
	done := make(chan error, 1)
	s.requests <- func() { done <- fn() }
	return <-done
}

func (s *Store) placeholder(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// InsertMany inserts flags that aren't already present, preserving
// first-seen timestamp and exploit for duplicates (insert-if-absent).
func (s *Store) InsertMany(ctx context.Context, flags []Flag) error {
	if len(flags) == 0 {
		return nil
	}
	return s.do(func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		query := fmt.Sprintf(`
			INSERT INTO flags (flag, exploit, timestamp, status)
			VALUES (%s, %s, %s, %s)
			ON CONFLICT (flag) DO NOTHING`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
		if !s.postgres {
			query = `INSERT OR IGNORE INTO flags (flag, exploit, timestamp, status) VALUES (?, ?, ?, ?)`
		}

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range flags {
			if _, err := stmt.ExecContext(ctx, f.Flag, f.Exploit, f.Timestamp, StatusPending); err != nil {
				return fmt.Errorf("insert flag: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Verdict is a single upstream submission result.
type Verdict struct {
	Flag    string
	Status  Status // ACCEPTED, REJECTED, or UNKNOWN
	Message string
}

// RecordVerdicts applies submission verdicts, but only to flags still
// PENDING: a flag already EXPIRED (or otherwise terminal) by the time its
// verdict comes back keeps its terminal status.
func (s *Store) RecordVerdicts(ctx context.Context, verdicts []Verdict, submissionTimestamp int64) error {
	if len(verdicts) == 0 {
		return nil
	}
	return s.do(func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		query := fmt.Sprintf(`
			UPDATE flags
			SET status = %s, submission_timestamp = %s, system_message = %s
			WHERE flag = %s AND status = %s`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
		defer stmt.Close()

		for _, v := range verdicts {
			if _, err := stmt.ExecContext(ctx, v.Status, submissionTimestamp, v.Message, v.Flag, StatusPending); err != nil {
				return fmt.Errorf("record verdict: %w", err)
			}
		}
		return tx.Commit()
	})
}

// NextPendingBatch returns up to limit PENDING flags ordered by ascending
// timestamp, so flags closest to expiry are drained first.
func (s *Store) NextPendingBatch(ctx context.Context, limit int) ([]Flag, error) {
	var out []Flag
	err := s.do(func() error {
		query := fmt.Sprintf(`
			SELECT flag, exploit, timestamp, status, submission_timestamp, system_message
			FROM flags WHERE status = %s ORDER BY timestamp ASC LIMIT %s`,
			s.placeholder(1), s.placeholder(2))
		rows, err := s.conn.QueryContext(ctx, query, StatusPending, limit)
		if err != nil {
			return fmt.Errorf("select pending batch: %w", err)
		}
		defer rows.Close()
		out, err = scanFlags(rows)
		return err
	})
	return out, err
}

// sweepExpired marks PENDING flags past LIFETIME as EXPIRED. Called from
// Run's ticker and also eagerly before batching.
func (s *Store) sweepExpired(ctx context.Context) error {
	now := time.Now().Unix()
	query := fmt.Sprintf(`
		UPDATE flags
		SET status = %s, submission_timestamp = %s, system_message = 'Expired'
		WHERE status = %s AND timestamp + %s <= %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err := s.conn.ExecContext(ctx, query, StatusExpired, now, StatusPending, int64(s.lifetime.Seconds()), now)
	if err != nil {
		return fmt.Errorf("sweep expired: %w", err)
	}
	return nil
}

// SweepExpired runs an out-of-band expiry sweep on the writer goroutine,
// used by the submission worker just before pulling a batch.
func (s *Store) SweepExpired(ctx context.Context) error {
	return s.do(func() error { return s.sweepExpired(ctx) })
}

// Page returns count rows (count must be <= 100) starting at offset,
// ordered by timestamp descending, each augmented with a derived lifetime.
func (s *Store) Page(ctx context.Context, offset, count int) ([]Page, error) {
	if count > 100 {
		return nil, fmt.Errorf("page count %d exceeds maximum of 100", count)
	}
	var out []Page
	err := s.do(func() error {
		query := fmt.Sprintf(`
			SELECT flag, exploit, timestamp, status, submission_timestamp, system_message
			FROM flags ORDER BY timestamp DESC LIMIT %s OFFSET %s`,
			s.placeholder(1), s.placeholder(2))
		rows, err := s.conn.QueryContext(ctx, query, count, offset)
		if err != nil {
			return fmt.Errorf("select page: %w", err)
		}
		defer rows.Close()
		flags, err := scanFlags(rows)
		if err != nil {
			return err
		}
		now := time.Now().Unix()
		out = make([]Page, 0, len(flags))
		for _, f := range flags {
			end := now
			if f.SubmissionTimestamp != nil {
				end = *f.SubmissionTimestamp
			}
			out = append(out, Page{Flag: f, Lifetime: end - f.Timestamp})
		}
		return nil
	})
	return out, err
}

func scanFlags(rows *sql.Rows) ([]Flag, error) {
	var out []Flag
	for rows.Next() {
		var f Flag
		var submissionTS sql.NullInt64
		var message sql.NullString
		if err := rows.Scan(&f.Flag, &f.Exploit, &f.Timestamp, &f.Status, &submissionTS, &message); err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		if submissionTS.Valid {
			ts := submissionTS.Int64
			f.SubmissionTimestamp = &ts
		}
		f.SystemMessage = message.String
		out = append(out, f)
	}
	return out, rows.Err()
}
