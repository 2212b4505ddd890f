// Package sqlite implements the signaling store on a local SQLite file.
// It exists for single-host deployments (doctor-side box hosting the
// rendezvous for a LAN kiosk) and for development: multiple agent
// processes on one machine share the database file, with WAL mode giving
// cross-process visibility. Subscriptions are poll-driven; in-process
// writes wake the pollers immediately so same-process latency stays low.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/carewire/telecall/internal/signal"
)

// pollInterval is the cross-process change-detection period. In-process
// writes bypass it via the wake channel.
const pollInterval = 200 * time.Millisecond

// Store is the SQLite-backed signaling store.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

// callColumns maps merge-write field paths to table columns.
var callColumns = map[string]string{
	signal.FieldActive:           "active",
	signal.FieldDoctorPresent:    "doctor_present",
	signal.FieldPatientPresent:   "patient_present",
	signal.FieldDoctorMuted:      "doctor_muted",
	signal.FieldPatientMuted:     "patient_muted",
	signal.FieldDoctorCameraOff:  "doctor_camera_off",
	signal.FieldPatientCameraOff: "patient_camera_off",
}

// Open opens or creates the signaling database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "signaling.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id                 TEXT PRIMARY KEY,
			active             INTEGER NOT NULL DEFAULT 0,
			doctor_present     INTEGER NOT NULL DEFAULT 0,
			patient_present    INTEGER NOT NULL DEFAULT 0,
			doctor_muted       INTEGER NOT NULL DEFAULT 0,
			patient_muted      INTEGER NOT NULL DEFAULT 0,
			doctor_camera_off  INTEGER NOT NULL DEFAULT 0,
			patient_camera_off INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sessions (
			call_id    TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			offer      TEXT    NOT NULL DEFAULT '',
			answer     TEXT    NOT NULL DEFAULT '',
			connected  INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (call_id, id)
		);
		CREATE TABLE IF NOT EXISTS candidates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			data       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_candidates_session
			ON candidates(call_id, session_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: dbPath, wake: make(chan struct{})}, nil
}

// bump wakes all pollers after a local write.
func (s *Store) bump() {
	s.mu.Lock()
	if !s.closed {
		close(s.wake)
		s.wake = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *Store) wakeCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// MergeCall upserts the call row, touching only the given columns.
func (s *Store) MergeCall(ctx context.Context, callID string, fields map[string]any) error {
	cols := make([]string, 0, len(fields))
	args := []any{callID}
	for path, v := range fields {
		col, ok := callColumns[path]
		if !ok {
			return fmt.Errorf("signal: unknown call record field %q", path)
		}
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("signal: field %q: unsupported value %T", path, v)
		}
		cols = append(cols, col)
		args = append(args, boolInt(b))
	}

	q := "INSERT INTO calls (id"
	for _, c := range cols {
		q += ", " + c
	}
	q += ") VALUES (?"
	for range cols {
		q += ", ?"
	}
	q += ") ON CONFLICT(id) DO UPDATE SET "
	for i, c := range cols {
		if i > 0 {
			q += ", "
		}
		q += c + " = excluded." + c
	}

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("merge call: %w", err)
	}
	s.bump()
	return nil
}

// GetCall reads the call row.
func (s *Store) GetCall(ctx context.Context, callID string) (*signal.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT active, doctor_present, patient_present,
		       doctor_muted, patient_muted, doctor_camera_off, patient_camera_off
		FROM calls WHERE id = ?`, callID)

	var rec signal.CallRecord
	var active, dp, pp, dm, pm, dc, pc int
	if err := row.Scan(&active, &dp, &pp, &dm, &pm, &dc, &pc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, signal.ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	rec.Active = active != 0
	rec.Participants.Doctor = dp != 0
	rec.Participants.Patient = pp != 0
	rec.DoctorMuted = dm != 0
	rec.PatientMuted = pm != 0
	rec.DoctorCameraOff = dc != 0
	rec.PatientCameraOff = pc != 0
	return &rec, nil
}

// WatchCall polls the call row and reports changes.
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*signal.CallRecord)) (signal.Unsubscribe, error) {
	return watch(ctx, s, fn, func(ctx context.Context) (*signal.CallRecord, error) {
		rec, err := s.GetCall(ctx, callID)
		if errors.Is(err, signal.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	})
}

// DeleteCall removes the call and everything under it in one transaction.
func (s *Store) DeleteCall(ctx context.Context, callID string) error {
	rec, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.Active {
		return signal.ErrCallInProgress
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		"DELETE FROM candidates WHERE call_id = ?",
		"DELETE FROM sessions WHERE call_id = ?",
		"DELETE FROM calls WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, callID); err != nil {
			return fmt.Errorf("delete call: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	s.bump()
	return nil
}

// CreatedAt granularity is the local clock; fine for a single host, which
// is the only deployment this backend targets. Ties still break by id.
func (s *Store) CreateSession(ctx context.Context, callID string, sess signal.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (call_id, id, offer, answer, connected, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		callID, sess.ID, sess.Offer, sess.Answer, boolInt(sess.Connected), time.Now().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return signal.ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	s.bump()
	return nil
}

// UpdateSession merge-writes the mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, callID, sessionID string, fields map[string]any) error {
	set := ""
	args := []any{}
	for k, v := range fields {
		switch k {
		case "answer":
			str, ok := v.(string)
			if !ok {
				return fmt.Errorf("signal: session field %q must be a string", k)
			}
			if set != "" {
				set += ", "
			}
			set += "answer = ?"
			args = append(args, str)
		case "connected":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("signal: session field %q must be a bool", k)
			}
			if set != "" {
				set += ", "
			}
			set += "connected = ?"
			args = append(args, boolInt(b))
		default:
			return fmt.Errorf("signal: unknown session field %q", k)
		}
	}
	args = append(args, callID, sessionID)

	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET "+set+" WHERE call_id = ? AND id = ?", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return signal.ErrNotFound
	}
	s.bump()
	return nil
}

func (s *Store) sessionList(ctx context.Context, callID string) ([]signal.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, offer, answer, connected, created_at
		FROM sessions WHERE call_id = ?
		ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []signal.SessionRecord
	for rows.Next() {
		var sess signal.SessionRecord
		var connected int
		var createdNs int64
		if err := rows.Scan(&sess.ID, &sess.Offer, &sess.Answer, &connected, &createdNs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Connected = connected != 0
		sess.CreatedAt = time.Unix(0, createdNs)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Sessions returns the current ordered session list.
func (s *Store) Sessions(ctx context.Context, callID string) ([]signal.SessionRecord, error) {
	return s.sessionList(ctx, callID)
}

// WatchSessions polls the ordered session list and reports changes.
func (s *Store) WatchSessions(ctx context.Context, callID string, fn func([]signal.SessionRecord)) (signal.Unsubscribe, error) {
	return watch(ctx, s, fn, func(ctx context.Context) ([]signal.SessionRecord, error) {
		return s.sessionList(ctx, callID)
	})
}

// AddCandidate appends a candidate row.
func (s *Store) AddCandidate(ctx context.Context, callID, sessionID string, cand signal.CandidateRecord) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (call_id, session_id, data) VALUES (?, ?, ?)`,
		callID, sessionID, string(data)); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	s.bump()
	return nil
}

func (s *Store) candidateList(ctx context.Context, callID, sessionID string) ([]signal.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM candidates
		WHERE call_id = ? AND session_id = ? ORDER BY seq`, callID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []signal.CandidateRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		var cand signal.CandidateRecord
		if err := json.Unmarshal([]byte(data), &cand); err != nil {
			return nil, fmt.Errorf("unmarshal candidate: %w", err)
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

// WatchCandidates polls one session's candidate list.
func (s *Store) WatchCandidates(ctx context.Context, callID, sessionID string, fn func([]signal.CandidateRecord)) (signal.Unsubscribe, error) {
	return watch(ctx, s, fn, func(ctx context.Context) ([]signal.CandidateRecord, error) {
		return s.candidateList(ctx, callID, sessionID)
	})
}

// DeleteSession removes a session row and cascades to its candidates.
func (s *Store) DeleteSession(ctx context.Context, callID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM candidates WHERE call_id = ? AND session_id = ?", callID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE call_id = ? AND id = ?", callID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.bump()
	return nil
}

// Close stops pollers and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
		s.wake = make(chan struct{})
	}
	s.mu.Unlock()
	return s.db.Close()
}

// watch runs a poll loop delivering fn(snapshot) whenever the serialized
// snapshot differs from the last one delivered. The first snapshot is
// delivered before watch returns.
func watch[T any](ctx context.Context, s *Store, fn func(T), load func(context.Context) (T, error)) (signal.Unsubscribe, error) {
	first, err := load(ctx)
	if err != nil {
		return nil, err
	}
	last, err := json.Marshal(first)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	fn(first)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.wakeCh():
			}

			snap, err := load(ctx)
			if err != nil {
				continue // transient read failure, retry on next tick
			}
			cur, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if string(cur) == string(last) {
				continue
			}
			last = cur
			fn(snap)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
