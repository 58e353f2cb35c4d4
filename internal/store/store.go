package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps the roster, reference embeddings and attendance in PostgreSQL.
// It is both the gallery provider and the attendance sink.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
// Embedding columns are unsized so any descriptor model can be enrolled; the
// gallery snapshot enforces a single dimension.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS students (
			student_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			roll_number INT NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT uq_students_roll_number UNIQUE (roll_number)
		);
		CREATE TABLE IF NOT EXISTS reference_embeddings (
			id BIGSERIAL PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(student_id) ON DELETE CASCADE,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance (
			student_id TEXT NOT NULL REFERENCES students(student_id),
			roll_number INT NOT NULL,
			day DATE NOT NULL,
			period SMALLINT NOT NULL CHECK (period BETWEEN 1 AND 8),
			status TEXT NOT NULL CHECK (status IN ('present', 'sleepy', 'absent')),
			session_id UUID NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT uq_attendance_student_day_period UNIQUE (student_id, day, period)
		);
		CREATE INDEX IF NOT EXISTS reference_embeddings_student_idx ON reference_embeddings (student_id);
		CREATE INDEX IF NOT EXISTS attendance_day_period_idx ON attendance (day, period);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "uq_attendance_student_day_period":
			return fmt.Errorf("%w: %s", session.ErrConflict, pgErr.Detail)
		case "uq_students_roll_number":
			return fmt.Errorf("%w: %s", gallery.ErrDuplicateRoll, pgErr.Detail)
		}
	}
	return err
}

// vecToString formats a float slice into a PostgreSQL vector literal "[1.5,2,...]".
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads the text form of a vector column.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", p, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// EnrollStudent creates or replaces a student and all of their reference embeddings.
func (s *Store) EnrollStudent(ctx context.Context, id gallery.Identity) error {
	if id.StudentID == "" {
		return gallery.ErrEmptyStudentID
	}
	if len(id.Embeddings) == 0 {
		return fmt.Errorf("%w: %s", gallery.ErrNoEmbeddings, id.StudentID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO students (student_id, display_name, roll_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id) DO UPDATE SET display_name = EXCLUDED.display_name, roll_number = EXCLUDED.roll_number
	`, id.StudentID, id.DisplayName, id.RollNumber)
	if err != nil {
		return mapError(err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM reference_embeddings WHERE student_id = $1", id.StudentID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, vec := range id.Embeddings {
		batch.Queue("INSERT INTO reference_embeddings (student_id, embedding) VALUES ($1, $2::vector)", id.StudentID, vecToString(vec))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListIdentities returns every enrolled student with their embeddings, by roll number.
func (s *Store) ListIdentities(ctx context.Context) ([]gallery.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.student_id, s.display_name, s.roll_number, e.embedding::text
		FROM students s
		LEFT JOIN reference_embeddings e ON e.student_id = s.student_id
		ORDER BY s.roll_number, e.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gallery.Identity
	for rows.Next() {
		var (
			id     gallery.Identity
			vecStr *string
		)
		if err := rows.Scan(&id.StudentID, &id.DisplayName, &id.RollNumber, &vecStr); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].StudentID != id.StudentID {
			out = append(out, id)
		}
		if vecStr == nil {
			continue
		}
		vec, err := parseVector(*vecStr)
		if err != nil {
			return nil, fmt.Errorf("embedding of %s: %w", id.StudentID, err)
		}
		last := &out[len(out)-1]
		last.Embeddings = append(last.Embeddings, vec)
	}
	return out, rows.Err()
}

// RenameStudent updates a student's display name.
func (s *Store) RenameStudent(ctx context.Context, studentID, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE students SET display_name = $1 WHERE student_id = $2", name, studentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", gallery.ErrNotEnrolled, studentID)
	}
	return nil
}

// lockKey is the advisory lock id serializing commits for one (date, period).
func lockKey(key session.Key) int64 {
	return key.Date.Unix()/86400*10 + int64(key.Period)
}

// Commit writes the whole roll in one transaction. If any row already exists
// for the key the transaction is abandoned and ErrConflict is returned; stored
// rows are never changed.
func (s *Store) Commit(ctx context.Context, key session.Key, roll session.Roll) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(key)); err != nil {
		return err
	}

	var exists bool
	err = tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM attendance WHERE day = $1 AND period = $2)", key.Date, key.Period).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", session.ErrConflict, key)
	}

	batch := &pgx.Batch{}
	for _, e := range roll.Entries {
		batch.Queue(`
			INSERT INTO attendance (student_id, roll_number, day, period, status, session_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.StudentID, e.RollNumber, key.Date, key.Period, string(e.Status), roll.SessionID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

// Attendance reads back the stored roll for key in roll-number order.
func (s *Store) Attendance(ctx context.Context, key session.Key) ([]session.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id, roll_number, status
		FROM attendance
		WHERE day = $1 AND period = $2
		ORDER BY roll_number
	`, key.Date, key.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Entry
	for rows.Next() {
		e := session.Entry{Date: key.DateString(), Period: key.Period}
		var status string
		if err := rows.Scan(&e.StudentID, &e.RollNumber, &status); err != nil {
			return nil, err
		}
		e.Status = session.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS reference_embeddings CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
	`)
	return err
}
