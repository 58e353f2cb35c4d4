package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(t *testing.T, date string, period int) session.Key {
	t.Helper()
	k, err := session.ParseKey(date, period)
	require.NoError(t, err)
	return k
}

func roll(k session.Key, statuses ...session.Status) session.Roll {
	r := session.Roll{SessionID: uuid.New()}
	for i, st := range statuses {
		r.Entries = append(r.Entries, session.Entry{
			StudentID:  string(rune('A' + i)),
			RollNumber: i + 1,
			Date:       k.DateString(),
			Period:     k.Period,
			Status:     st,
		})
	}
	return r
}

func TestFile_CommitAndConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance.csv")
	f := NewFile(path)
	ctx := context.Background()
	k := key(t, "2024-05-01", 3)

	require.NoError(t, f.Commit(ctx, k, roll(k, session.Present, session.Absent)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"student_id,roll_number,date,period,status\n"+
			"A,1,2024-05-01,3,present\n"+
			"B,2,2024-05-01,3,absent\n",
		string(data))

	err = f.Commit(ctx, k, roll(k, session.Absent, session.Present))
	assert.ErrorIs(t, err, session.ErrConflict)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, after, "conflict leaves the file untouched")

	k4 := key(t, "2024-05-01", 4)
	require.NoError(t, f.Commit(ctx, k4, roll(k4, session.Sleepy)))

	got, err := f.Attendance(ctx, k4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, session.Sleepy, got[0].Status)

	got, err = f.Attendance(ctx, k)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// failAfter passes n bytes through and then fails every write.
type failAfter struct {
	w io.Writer
	n int
}

func (f *failAfter) Write(p []byte) (int, error) {
	if len(p) <= f.n {
		f.n -= len(p)
		return f.w.Write(p)
	}
	n, _ := f.w.Write(p[:f.n])
	f.n = 0
	return n, errors.New("file too large")
}

func TestFile_FailedWriteIsRolledBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance.csv")
	f := NewFile(path)
	ctx := context.Background()

	k1 := key(t, "2024-05-01", 1)
	require.NoError(t, f.Commit(ctx, k1, roll(k1, session.Present)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	k2 := key(t, "2024-05-01", 2)
	big := session.Roll{}
	for i := range 300 {
		big.Entries = append(big.Entries, session.Entry{
			StudentID:  fmt.Sprintf("S%03d", i),
			RollNumber: i + 1,
			Date:       k2.DateString(),
			Period:     k2.Period,
			Status:     session.Absent,
		})
	}

	f.wrap = func(w io.Writer) io.Writer { return &failAfter{w: w, n: 100} }
	err = f.Commit(ctx, k2, big)
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrConflict)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "partial rows are removed")

	f.wrap = nil
	require.NoError(t, f.Commit(ctx, k2, big), "the same roll can be committed again")
	got, err := f.Attendance(ctx, k2)
	require.NoError(t, err)
	assert.Len(t, got, 300)
}

func TestFile_ExistingHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance.csv")
	require.NoError(t, os.WriteFile(path, []byte("student_id,roll_number,date,period,status\n"), 0644))
	k := key(t, "2024-05-02", 1)

	require.NoError(t, NewFile(path).Commit(context.Background(), k, roll(k, session.Present)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "student_id,roll_number,date,period,status\nA,1,2024-05-02,1,present\n", string(data))
}

func TestFile_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,age,city,zip,country\n"), 0644))
	k := key(t, "2024-05-02", 1)

	err := NewFile(path).Commit(context.Background(), k, roll(k, session.Present))
	assert.ErrorIs(t, err, ErrBadFile)
	assert.NotErrorIs(t, err, session.ErrConflict)
}

func TestFile_ReadMissing(t *testing.T) {
	got, err := NewFile(filepath.Join(t.TempDir(), "none.csv")).Attendance(context.Background(), key(t, "2024-05-01", 1))
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestFile_UnwritableIsNotConflict(t *testing.T) {
	k := key(t, "2024-05-01", 1)
	err := NewFile(filepath.Join(t.TempDir(), "missing-dir", "a.csv")).Commit(context.Background(), k, roll(k, session.Present))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrConflict)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	k := key(t, "2024-05-01", 3)

	first := roll(k, session.Present)
	require.NoError(t, m.Commit(ctx, k, first))
	assert.ErrorIs(t, m.Commit(ctx, k, roll(k, session.Absent)), session.ErrConflict)

	got, ok := m.Roll(k)
	require.True(t, ok)
	assert.Equal(t, first, got)

	_, ok = m.Roll(key(t, "2024-05-01", 4))
	assert.False(t, ok)
}
