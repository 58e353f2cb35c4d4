package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/engagement"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/schedule"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseOverrides(t *testing.T) {
	events, err := parseOverrides([]string{"s1=present", " s2 = sleepy "})
	require.NoError(t, err)
	assert.Equal(t, []session.Event{
		session.Override{StudentID: "s1", Status: session.Present},
		session.Override{StudentID: "s2", Status: session.Sleepy},
	}, events)

	for _, bad := range []string{"s1", "=present", "s1=late", "s1="} {
		_, err := parseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestValidateTakeFlags(t *testing.T) {
	video := filepath.Join(t.TempDir(), "class.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0644))

	tests := []struct {
		name    string
		opts    takeOptions
		wantErr bool
	}{
		{"Current period", takeOptions{}, false},
		{"Explicit period and date", takeOptions{Period: 3, Date: "2024-05-01"}, false},
		{"Replay file", takeOptions{Period: 1, Input: video}, false},
		{"Period too large", takeOptions{Period: 9}, true},
		{"Negative period", takeOptions{Period: -1}, true},
		{"Date without period", takeOptions{Date: "2024-05-01"}, true},
		{"Manual with input", takeOptions{Period: 1, Manual: true, Input: video}, true},
		{"Missing input", takeOptions{Period: 1, Input: "nonexistent.mp4"}, true},
		{"Bad override", takeOptions{Period: 1, Overrides: []string{"s1=late"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTakeFlags(&tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveWindow(t *testing.T) {
	tt, err := schedule.NewTimetable([]string{"1=08:00-08:45", "2=09:00-09:45"}, "MON-FRI", "UTC")
	require.NoError(t, err)
	// Wednesday
	now := time.Date(2024, 5, 1, 8, 10, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name         string
		opts         takeOptions
		tt           *schedule.Timetable
		duration     time.Duration
		now          time.Time
		wantKey      string
		wantDeadline time.Time
		wantErr      bool
	}{
		{name: "Current period", tt: tt, now: now, wantKey: "2024-05-01/p1", wantDeadline: at(8, 45)},
		{name: "Between periods", tt: tt, now: at(8, 50), wantErr: true},
		{name: "No timetable", now: now, wantErr: true},
		{name: "Later period today ends on the timetable", opts: takeOptions{Period: 2}, tt: tt, duration: time.Hour, now: now, wantKey: "2024-05-01/p2", wantDeadline: at(9, 45)},
		{name: "Past date runs for duration", opts: takeOptions{Period: 1, Date: "2024-04-30"}, tt: tt, duration: time.Hour, now: now, wantKey: "2024-04-30/p1", wantDeadline: now.Add(time.Hour)},
		{name: "Unscheduled period", opts: takeOptions{Period: 5}, tt: tt, duration: 10 * time.Minute, now: now, wantKey: "2024-05-01/p5", wantDeadline: now.Add(10 * time.Minute)},
		{name: "No duration runs to end of input", opts: takeOptions{Period: 5}, now: now, wantKey: "2024-05-01/p5"},
		{name: "Replay ends with its input", opts: takeOptions{Period: 2, Input: "class.mp4"}, tt: tt, duration: time.Hour, now: now, wantKey: "2024-05-01/p2"},
		{name: "Replay of the current period", opts: takeOptions{Input: "class.mp4"}, tt: tt, now: now, wantKey: "2024-05-01/p1"},
		{name: "Bad date", opts: takeOptions{Period: 1, Date: "01/05/2024"}, now: now, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, deadline, err := resolveWindow(tc.opts, tc.tt, tc.duration, tc.now)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKey, key.String())
			assert.True(t, tc.wantDeadline.Equal(deadline), "deadline %v, want %v", deadline, tc.wantDeadline)
		})
	}
}

func TestLargestFace(t *testing.T) {
	_, ok := largestFace(nil)
	assert.False(t, ok)

	small := types.Face{Loc: [4]int{0, 10, 10, 0}, Score: 0.9}
	big := types.Face{Loc: [4]int{0, 50, 40, 0}, Score: 0.6}
	got, ok := largestFace([]types.Face{small, big, small})
	require.True(t, ok)
	assert.Equal(t, big, got)
}

func TestIdentifyFaces(t *testing.T) {
	snap, err := gallery.NewSnapshot([]gallery.Identity{
		{StudentID: "A", DisplayName: "Ada", RollNumber: 1, Embeddings: [][]float64{{0, 0}}},
	})
	require.NoError(t, err)
	m, err := recognition.NewMatcher(snap, recognition.DefaultConfig())
	require.NoError(t, err)

	faint := types.Face{Loc: [4]int{0, 100, 100, 0}, Score: 0.2, Vec: []float64{0, 0}}
	known := types.Face{Loc: [4]int{0, 50, 50, 0}, Score: 0.9, Vec: []float64{0.1, 0}}
	stranger := types.Face{Loc: [4]int{0, 20, 20, 0}, Score: 0.9, Vec: []float64{5, 5}}

	rows, err := identifyFaces([]types.Face{stranger, known, faint}, snap, m, engagement.DefaultConfig(), 0.5)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, rows[0].Filtered, "largest face is below the detection threshold")
	assert.Equal(t, "A", rows[1].Match.StudentID)
	assert.Equal(t, "Ada", rows[1].Name)
	assert.Equal(t, engagement.Attentive, rows[1].Label)
	assert.False(t, rows[1].HasEyes)
	assert.True(t, rows[2].Match.Unknown())

	var buf bytes.Buffer
	printIdentified(&buf, rows)
	out := buf.String()
	assert.Contains(t, out, "below detection threshold")
	assert.Contains(t, out, "Ada")
	assert.Contains(t, out, "unknown")
}

func TestPrintRoll(t *testing.T) {
	snap, err := gallery.NewSnapshot([]gallery.Identity{
		{StudentID: "A", DisplayName: "Ada", RollNumber: 1, Embeddings: [][]float64{{0, 0}}},
	})
	require.NoError(t, err)
	roll := session.Roll{Entries: []session.Entry{
		{StudentID: "A", RollNumber: 1, Status: session.Sleepy},
		{StudentID: "Z", RollNumber: 2, Status: session.Absent},
	}}

	var buf bytes.Buffer
	printRoll(&buf, roll, snap)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"1", "A", "Ada", "sleepy"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"2", "Z", "absent"}, strings.Fields(lines[3]))
}

func TestBindFlags(t *testing.T) {
	c := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	c.Flags().Float64("threshold", 0.5, "")
	c.Flags().Duration("duration", time.Hour, "")
	c.Flags().String("device", "/dev/video0", "")
	require.NoError(t, c.Flags().Parse([]string{"--threshold", "0.35", "--duration", "10m"}))

	v, err := config.New("")
	require.NoError(t, err)
	require.NoError(t, bindFlags(v, c))
	got, err := config.Decode(v)
	require.NoError(t, err)

	assert.Equal(t, 0.35, got.Recognition.MatchThreshold)
	assert.Equal(t, 10*time.Minute, got.Session.Duration)
	assert.Equal(t, "/dev/video0", got.Camera.Device, "unset flags leave the config value")
}

func TestReport_ShowsFailureContext(t *testing.T) {
	var buf bytes.Buffer
	old := utils.ErrOut
	utils.ErrOut = &buf
	defer func() { utils.ErrOut = old }()

	err := fail("Attendance already recorded", session.ErrConflict, nil)
	assert.ErrorIs(t, err, session.ErrConflict)
	report(err)
	assert.Contains(t, buf.String(), "ROLLCALL ERROR: Attendance already recorded")

	buf.Reset()
	report(errors.New("plain"))
	assert.Contains(t, buf.String(), "Command failed")
}

// withTestConfig installs a file gallery of two students and a CSV sink in a
// temp dir, with the override server off.
func withTestConfig(t *testing.T) (csvPath string) {
	t.Helper()
	dir := t.TempDir()

	galleryPath := filepath.Join(dir, "gallery.json")
	ids := []gallery.Identity{
		{StudentID: "B", DisplayName: "Bob", RollNumber: 2, Embeddings: [][]float64{{0, 1}}},
		{StudentID: "A", DisplayName: "Ada", RollNumber: 1, Embeddings: [][]float64{{1, 0}}},
	}
	data, err := json.Marshal(ids)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(galleryPath, data, 0644))

	c, err := config.Load("")
	require.NoError(t, err)
	c.Gallery.Source, c.Gallery.File = "file", galleryPath
	c.Sink.Kind, c.Sink.CSVPath = "csv", filepath.Join(dir, "attendance.csv")
	c.Sink.RetryDelay = 0
	c.Control.Enabled = false

	oldCfg, oldLogger, oldOut := cfg, logger, stdout
	cfg, logger, stdout = c, zap.NewNop(), &bytes.Buffer{}
	t.Cleanup(func() { cfg, logger, stdout = oldCfg, oldLogger, oldOut })
	return c.Sink.CSVPath
}

func TestRunTake_ManualRecordsOverrides(t *testing.T) {
	csvPath := withTestConfig(t)
	key, err := session.ParseKey("2024-05-01", 2)
	require.NoError(t, err)

	opts := takeOptions{Manual: true, Overrides: []string{"A=present"}}
	require.NoError(t, runTake(context.Background(), key, time.Now().Add(20*time.Millisecond), opts))

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t,
		"student_id,roll_number,date,period,status\n"+
			"A,1,2024-05-01,2,present\n"+
			"B,2,2024-05-01,2,absent\n",
		string(data))
	assert.Contains(t, stdout.(*bytes.Buffer).String(), "Ada")

	// A second session for the same period is refused and changes nothing
	opts.Overrides = []string{"B=present"}
	err = runTake(context.Background(), key, time.Now().Add(20*time.Millisecond), opts)
	assert.ErrorIs(t, err, session.ErrConflict)
	after, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func TestRunTake_DryRunWritesNothing(t *testing.T) {
	csvPath := withTestConfig(t)
	key, err := session.ParseKey("2024-05-01", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // an interrupted session still finalizes

	require.NoError(t, runTake(ctx, key, time.Time{}, takeOptions{Manual: true, DryRun: true}))
	_, err = os.Stat(csvPath)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, stdout.(*bytes.Buffer).String(), "absent")
}

func TestRunTake_UnknownOverrideStudent(t *testing.T) {
	withTestConfig(t)
	key, err := session.ParseKey("2024-05-01", 1)
	require.NoError(t, err)

	err = runTake(context.Background(), key, time.Now(), takeOptions{Manual: true, Overrides: []string{"Z=present"}})
	assert.ErrorIs(t, err, session.ErrUnknownStudent)
}

func TestRunTake_ModelsUnavailable(t *testing.T) {
	withTestConfig(t)
	cfg.Worker.Python = filepath.Join(t.TempDir(), "no-such-python")
	key, err := session.ParseKey("2024-05-01", 3)
	require.NoError(t, err)

	err = runTake(context.Background(), key, time.Now(), takeOptions{RequireModels: true})
	assert.ErrorIs(t, err, worker.ErrModelUnavailable)

	// By default the session degrades to manual-only and everyone is absent
	err = runTake(context.Background(), key, time.Now().Add(10*time.Millisecond), takeOptions{DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, stdout.(*bytes.Buffer).String(), "absent")
}

func TestRunTake_ReleasesWorkerBeforeCommit(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	withTestConfig(t)
	dir := t.TempDir()

	// Stands in for the model worker: reports ready on FD 3, then leaves a
	// marker once its stdin is closed.
	script := filepath.Join(dir, "worker.sh")
	marker := script + ".closed"
	require.NoError(t, os.WriteFile(script, []byte(
		"printf '\\000\\000\\000\\001\\000' >&3\n"+
			"cat >/dev/null\n"+
			": > \"$0.closed\"\n"), 0755))
	cfg.Worker.Python, cfg.Worker.Script = "/bin/sh", script

	// Every commit attempt fails, so the commit phase lasts several retry delays.
	cfg.Sink.CSVPath = filepath.Join(dir, "missing", "attendance.csv")
	cfg.Sink.Retries, cfg.Sink.RetryDelay = 3, 500*time.Millisecond

	frameDir := filepath.Join(dir, "frames")
	require.NoError(t, os.Mkdir(frameDir, 0755))

	key, err := session.ParseKey("2024-05-01", 4)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- runTake(context.Background(), key, time.Now().Add(50*time.Millisecond), takeOptions{Input: frameDir, NoControl: true})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "worker was not closed")

	select {
	case err := <-done:
		t.Fatalf("worker was only closed after the commit finished: %v", err)
	default:
	}
	assert.ErrorIs(t, <-done, session.ErrSinkUnavailable)
}
