// Package schedule maps a weekly period timetable onto cron triggers that open
// and close attendance sessions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrInvalidTimetable = errors.New("invalid timetable")

// Clock is a wall-clock time of day in minutes after midnight.
type Clock int

func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidTimetable, s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// On returns the instant of c on day's calendar date in loc.
func (c Clock) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, loc)
}

// Period is one numbered slot of the school day. End is exclusive.
type Period struct {
	Number int
	Start  Clock
	End    Clock
}

func (p Period) String() string { return fmt.Sprintf("%d=%s-%s", p.Number, p.Start, p.End) }

// ParsePeriod reads "N=HH:MM-HH:MM".
func ParsePeriod(s string) (Period, error) {
	num, span, ok := strings.Cut(s, "=")
	if !ok {
		return Period{}, fmt.Errorf("%w: %q: want N=HH:MM-HH:MM", ErrInvalidTimetable, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < session.MinPeriod || n > session.MaxPeriod {
		return Period{}, fmt.Errorf("%w: %q: period must be %d..%d", ErrInvalidTimetable, s, session.MinPeriod, session.MaxPeriod)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return Period{}, fmt.Errorf("%w: %q: want N=HH:MM-HH:MM", ErrInvalidTimetable, s)
	}
	start, err := ParseClock(from)
	if err != nil {
		return Period{}, err
	}
	end, err := ParseClock(to)
	if err != nil {
		return Period{}, err
	}
	if end <= start {
		return Period{}, fmt.Errorf("%w: %q: period ends before it starts", ErrInvalidTimetable, s)
	}
	return Period{Number: n, Start: start, End: end}, nil
}

// Timetable is the weekly schedule of periods.
type Timetable struct {
	Periods  []Period // sorted by start
	Weekdays string   // cron day-of-week field, e.g. "MON-FRI"
	Location *time.Location
}

// NewTimetable parses and checks the periods: numbers are unique and periods
// do not overlap.
func NewTimetable(periods []string, weekdays, timezone string) (*Timetable, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard("0 0 * * " + weekdays); err != nil {
		return nil, fmt.Errorf("%w: weekdays %q: %v", ErrInvalidTimetable, weekdays, err)
	}

	tt := &Timetable{Weekdays: weekdays, Location: loc}
	seen := make(map[int]bool)
	for _, s := range periods {
		p, err := ParsePeriod(s)
		if err != nil {
			return nil, err
		}
		if seen[p.Number] {
			return nil, fmt.Errorf("%w: period %d listed twice", ErrInvalidTimetable, p.Number)
		}
		seen[p.Number] = true
		tt.Periods = append(tt.Periods, p)
	}
	sort.Slice(tt.Periods, func(i, j int) bool { return tt.Periods[i].Start < tt.Periods[j].Start })
	for i := 1; i < len(tt.Periods); i++ {
		prev, cur := tt.Periods[i-1], tt.Periods[i]
		if cur.Start < prev.End {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidTimetable, cur, prev)
		}
	}
	return tt, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone: %v", ErrInvalidTimetable, err)
	}
	return loc, nil
}

// Lookup finds a period by number.
func (tt *Timetable) Lookup(number int) (Period, bool) {
	for _, p := range tt.Periods {
		if p.Number == number {
			return p, true
		}
	}
	return Period{}, false
}

// Current returns the period in progress at now, if any. Weekdays are not checked.
func (tt *Timetable) Current(now time.Time) (Period, bool) {
	t := now.In(tt.Location)
	c := Clock(t.Hour()*60 + t.Minute())
	for _, p := range tt.Periods {
		if c >= p.Start && c < p.End {
			return p, true
		}
	}
	return Period{}, false
}

// CronSpec is the standard five-field spec firing when p starts.
func (tt *Timetable) CronSpec(p Period) string {
	return fmt.Sprintf("%d %d * * %s", p.Start.Minute(), p.Start.Hour(), tt.Weekdays)
}

// Window is the (date, period) key and closing time of p on now's day.
func (tt *Timetable) Window(p Period, now time.Time) (session.Key, time.Time, error) {
	local := now.In(tt.Location)
	key, err := session.NewKey(local, p.Number)
	if err != nil {
		return session.Key{}, time.Time{}, err
	}
	return key, p.End.On(local, tt.Location), nil
}

// TakeFunc runs one session until deadline.
type TakeFunc func(ctx context.Context, key session.Key, deadline time.Time) error

// Scheduler fires a TakeFunc at the start of every period. Sessions never
// overlap: a period that starts while the previous one is still committing
// waits for it, since both need the camera.
type Scheduler struct {
	tt   *Timetable
	take TakeFunc
	log  *zap.Logger
	now  func() time.Time

	mu sync.Mutex
}

func NewScheduler(tt *Timetable, take TakeFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{tt: tt, take: take, log: log, now: time.Now}
}

func (s *Scheduler) newCron(ctx context.Context) (*cron.Cron, error) {
	logger := cron.PrintfLogger(zap.NewStdLog(s.log))
	c := cron.New(
		cron.WithLocation(s.tt.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, p := range s.tt.Periods {
		spec := s.tt.CronSpec(p)
		if _, err := c.AddFunc(spec, func() { s.fire(ctx, p) }); err != nil {
			return nil, fmt.Errorf("schedule period %s: %w", p, err)
		}
		s.log.Info("period scheduled", zap.Int("period", p.Number), zap.String("cron", spec), zap.Stringer("ends", p.End))
	}
	return c, nil
}

// Run blocks until ctx is done, then waits for a running session to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tt.Periods) == 0 {
		return fmt.Errorf("%w: no periods configured", ErrInvalidTimetable)
	}
	c, err := s.newCron(ctx)
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, p Period) {
	key, deadline, err := s.tt.Window(p, s.now())
	if err != nil {
		s.log.Error("cannot open period", zap.Int("period", p.Number), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.now().Before(deadline) {
		s.log.Warn("period already over, skipping", zap.Stringer("key", key))
		return
	}
	s.log.Info("period opened", zap.Stringer("key", key), zap.Time("deadline", deadline))
	if err := s.take(ctx, key, deadline); err != nil {
		s.log.Error("period failed", zap.Stringer("key", key), zap.Error(err))
		return
	}
	s.log.Info("period closed", zap.Stringer("key", key))
}
