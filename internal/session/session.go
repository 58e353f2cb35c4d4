// Package session aggregates per-frame recognition results for one class period
// into a frozen attendance roll.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/engagement"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/google/uuid"
)

// Status is a student's final attendance outcome for a period.
type Status string

const (
	Present Status = "present"
	Sleepy  Status = "sleepy"
	Absent  Status = "absent"
)

// ParseStatus accepts the lowercase status names.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Present, Sleepy, Absent:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

const (
	MinPeriod = 1
	MaxPeriod = 8
)

// DateLayout is the ISO 8601 calendar date used in rolls.
const DateLayout = "2006-01-02"

var (
	ErrFinalized      = errors.New("session already finalized")
	ErrUnknownStudent = errors.New("student not enrolled in this session")
	ErrOverrideLocked = errors.New("status already overridden for this session")
	ErrInvalidStatus  = errors.New("invalid attendance status")
	ErrInvalidKey     = errors.New("invalid session key")

	// ErrConflict is returned by a Sink when a roll for the key already exists.
	ErrConflict = errors.New("attendance already recorded for this session")
	// ErrSinkUnavailable wraps any other sink failure; the frozen roll may be resent.
	ErrSinkUnavailable = errors.New("attendance sink unavailable")
)

// Key identifies one attendance window.
type Key struct {
	Date   time.Time
	Period int
}

// NewKey truncates date to its calendar day (in its own location) and checks the period range.
func NewKey(date time.Time, period int) (Key, error) {
	if period < MinPeriod || period > MaxPeriod {
		return Key{}, fmt.Errorf("%w: period %d outside %d..%d", ErrInvalidKey, period, MinPeriod, MaxPeriod)
	}
	if date.IsZero() {
		return Key{}, fmt.Errorf("%w: zero date", ErrInvalidKey)
	}
	y, m, d := date.Date()
	return Key{Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Period: period}, nil
}

// ParseKey reads a YYYY-MM-DD date and a period.
func ParseKey(date string, period int) (Key, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKey(t, period)
}

func (k Key) DateString() string { return k.Date.Format(DateLayout) }

func (k Key) String() string { return fmt.Sprintf("%s/p%d", k.DateString(), k.Period) }

// Entry is one line of the attendance roll.
type Entry struct {
	StudentID  string `json:"student_id"`
	RollNumber int    `json:"roll_number"`
	Date       string `json:"date"`
	Period     int    `json:"period"`
	Status     Status `json:"status"`
}

// Roll is the frozen result of a session, one entry per enrolled student in roll-number order.
type Roll struct {
	SessionID uuid.UUID `json:"session_id"`
	Entries   []Entry   `json:"entries"`
}

// Sink durably records a roll. Implementations return ErrConflict (possibly wrapped)
// when the key already holds a roll and must leave the stored roll untouched.
type Sink interface {
	Commit(ctx context.Context, key Key, roll Roll) error
}

// Policy holds the aggregation thresholds.
type Policy struct {
	// SleepyFraction: a student is sleepy when drowsy/seen is strictly above it.
	SleepyFraction float64
}

func DefaultPolicy() Policy { return Policy{SleepyFraction: 0.5} }

// Tally is the running evidence for one student.
type Tally struct {
	Seen     int
	Drowsy   int
	LastSeen time.Time
	Override Status
}

// Observation pairs a match and its engagement label from one face in one frame.
// An empty StudentID is an unrecognized face.
type Observation struct {
	StudentID string
	Distance  float64
	Label     engagement.Label
	Timestamp time.Time
}

// Override is a manual status set through the override channel.
type Override struct {
	StudentID string
	Status    Status
}

// Event is anything the aggregator consumes: Observation or Override.
type Event interface {
	apply(s *State) error
}

func (o Observation) apply(s *State) error { return s.Observe(o) }
func (o Override) apply(s *State) error    { return s.Override(o.StudentID, o.Status) }

type commitState int

const (
	uncommitted commitState = iota
	committed
	conflicted
)

// State is the aggregation state of one (date, period). It has a single writer:
// the pipeline goroutine that owns it.
type State struct {
	id      uuid.UUID
	key     Key
	policy  Policy
	roster  []gallery.Identity
	tallies map[string]*Tally
	unknown int

	finalized bool
	roll      Roll
	commit    commitState
}

// New opens a session with every identity in the snapshot present at zero tally.
func New(key Key, g *gallery.Snapshot, p Policy) (*State, error) {
	if key.Period < MinPeriod || key.Period > MaxPeriod || key.Date.IsZero() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, key)
	}
	if p.SleepyFraction <= 0 || p.SleepyFraction >= 1 {
		return nil, fmt.Errorf("sleepy fraction must be in (0, 1), got %f", p.SleepyFraction)
	}
	s := &State{
		id:      uuid.New(),
		key:     key,
		policy:  p,
		roster:  g.Identities(),
		tallies: make(map[string]*Tally, g.Len()),
	}
	for _, id := range s.roster {
		s.tallies[id.StudentID] = &Tally{}
	}
	return s, nil
}

func (s *State) ID() uuid.UUID   { return s.id }
func (s *State) Key() Key        { return s.key }
func (s *State) Finalized() bool { return s.finalized }
func (s *State) Committed() bool { return s.commit == committed }

// UnknownSightings counts faces that were seen but not attributed.
func (s *State) UnknownSightings() int { return s.unknown }

// Tally returns a copy of a student's running evidence.
func (s *State) Tally(studentID string) (Tally, bool) {
	t, ok := s.tallies[studentID]
	if !ok {
		return Tally{}, false
	}
	return *t, true
}

// Observe folds one observation into the tally. Unknown faces only bump the
// unknown counter. Students with an override keep counting but their status is fixed.
func (s *State) Observe(o Observation) error {
	if s.finalized {
		return ErrFinalized
	}
	if o.StudentID == "" {
		s.unknown++
		return nil
	}
	t, ok := s.tallies[o.StudentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStudent, o.StudentID)
	}
	t.Seen++
	if o.Label == engagement.Drowsy {
		t.Drowsy++
	}
	if o.Timestamp.After(t.LastSeen) {
		t.LastSeen = o.Timestamp
	}
	return nil
}

// Override fixes a student's status for the rest of the session.
func (s *State) Override(studentID string, st Status) error {
	if s.finalized {
		return ErrFinalized
	}
	if _, err := ParseStatus(string(st)); err != nil {
		return err
	}
	t, ok := s.tallies[studentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	if t.Override != "" {
		return fmt.Errorf("%w: %s is %s", ErrOverrideLocked, studentID, t.Override)
	}
	t.Override = st
	return nil
}

// Reduce applies events in order and stops at the first error.
func Reduce(s *State, events ...Event) error {
	for i, ev := range events {
		if err := ev.apply(s); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// Decide maps a tally to a status under the policy.
func (p Policy) Decide(t Tally) Status {
	switch {
	case t.Override != "":
		return t.Override
	case t.Seen == 0:
		return Absent
	case float64(t.Drowsy)/float64(t.Seen) > p.SleepyFraction:
		return Sleepy
	default:
		return Present
	}
}

// Finalize freezes the session and returns its roll. Later calls return the same
// roll without recomputing.
func (s *State) Finalize() Roll {
	if s.finalized {
		return s.roll
	}
	entries := make([]Entry, 0, len(s.roster))
	for _, id := range s.roster {
		entries = append(entries, Entry{
			StudentID:  id.StudentID,
			RollNumber: id.RollNumber,
			Date:       s.key.DateString(),
			Period:     s.key.Period,
			Status:     s.policy.Decide(*s.tallies[id.StudentID]),
		})
	}
	s.roll = Roll{SessionID: s.id, Entries: entries}
	s.finalized = true
	return s.roll
}

// Commit finalizes if needed and hands the roll to the sink. Once the sink has
// accepted the roll or reported a conflict, further calls return that outcome
// without writing again. Any other sink error leaves the session uncommitted so the
// identical roll can be resent.
func (s *State) Commit(ctx context.Context, sink Sink) error {
	roll := s.Finalize()
	switch s.commit {
	case committed:
		return nil
	case conflicted:
		return fmt.Errorf("%w: %s", ErrConflict, s.key)
	}

	err := sink.Commit(ctx, s.key, roll)
	switch {
	case err == nil:
		s.commit = committed
		return nil
	case errors.Is(err, ErrConflict):
		s.commit = conflicted
		return err
	default:
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
}
