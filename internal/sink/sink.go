// Package sink provides attendance sinks other than the Postgres store: an
// append-only CSV file and an in-memory map.
package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/andresmejia3/rollcall/internal/session"
)

// Header is the first line of every attendance file.
var Header = []string{"student_id", "roll_number", "date", "period", "status"}

var ErrBadFile = errors.New("not an attendance file")

// File appends rolls to a CSV file, one line per student. A key that already
// has lines in the file is a conflict and the file is left as it was. A
// failed append is cut back off, so a roll is stored whole or not at all.
type File struct {
	Path string

	mu sync.Mutex
	// wrap, when set, sits between the CSV writer and the file.
	wrap func(io.Writer) io.Writer
}

func NewFile(path string) *File { return &File{Path: path} }

func (f *File) Commit(ctx context.Context, key session.Key, roll session.Roll) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer fh.Close()

	records, err := readRecords(fh)
	if err != nil {
		return fmt.Errorf("%s: %w", f.Path, err)
	}
	for _, e := range records {
		if e.Date == key.DateString() && e.Period == key.Period {
			return fmt.Errorf("%w: %s already has %s", session.ErrConflict, f.Path, key)
		}
	}

	end, err := fh.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if err := f.append(fh, key, roll, records == nil); err != nil {
		if terr := fh.Truncate(end); terr != nil {
			return fmt.Errorf("write %s: %w (rollback failed: %v)", f.Path, err, terr)
		}
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}

func (f *File) append(fh *os.File, key session.Key, roll session.Roll, header bool) error {
	var out io.Writer = fh
	if f.wrap != nil {
		out = f.wrap(fh)
	}
	w := csv.NewWriter(out)
	if header {
		if err := w.Write(Header); err != nil {
			return err
		}
	}
	for _, e := range roll.Entries {
		if err := w.Write(encode(key, e)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return fh.Sync()
}

// Attendance returns the lines stored for key, in file order.
func (f *File) Attendance(ctx context.Context, key session.Key) ([]session.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	records, err := readRecords(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	var out []session.Entry
	for _, e := range records {
		if e.Date == key.DateString() && e.Period == key.Period {
			out = append(out, e)
		}
	}
	return out, nil
}

func encode(key session.Key, e session.Entry) []string {
	return []string{e.StudentID, strconv.Itoa(e.RollNumber), key.DateString(), strconv.Itoa(key.Period), string(e.Status)}
}

// readRecords parses the whole file. An empty file yields nil records.
func readRecords(r io.Reader) ([]session.Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFile, err)
	}
	if !slices.Equal(head, Header) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrBadFile, head)
	}

	out := []session.Entry{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFile, err)
		}
		roll, err1 := strconv.Atoi(rec[1])
		period, err2 := strconv.Atoi(rec[3])
		if err := errors.Join(err1, err2); err != nil {
			return nil, fmt.Errorf("%w: line %v: %v", ErrBadFile, rec, err)
		}
		out = append(out, session.Entry{
			StudentID:  rec[0],
			RollNumber: roll,
			Date:       rec[2],
			Period:     period,
			Status:     session.Status(rec[4]),
		})
	}
}

// Memory keeps committed rolls in process. Used for dry runs and tests.
type Memory struct {
	mu    sync.Mutex
	rolls map[session.Key]session.Roll
}

func NewMemory() *Memory { return &Memory{rolls: make(map[session.Key]session.Roll)} }

func (m *Memory) Commit(ctx context.Context, key session.Key, roll session.Roll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolls[key]; ok {
		return fmt.Errorf("%w: %s", session.ErrConflict, key)
	}
	m.rolls[key] = session.Roll{SessionID: roll.SessionID, Entries: slices.Clone(roll.Entries)}
	return nil
}

func (m *Memory) Roll(key session.Key) (session.Roll, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rolls[key]
	return r, ok
}
