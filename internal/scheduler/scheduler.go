package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "campaignbot/pkg/logx"
)

// TriggerKind selects how a workflow's anchor time is matched against the
// wall clock.
type TriggerKind string

const (
	// TriggerOnce matches the anchor's weekday, hour and minute, like
	// TriggerWeekly. It therefore recurs on every matching weekday; callers
	// wanting true one-shot behavior must unregister the workflow or guard
	// in their own data (already-notified filters do this in practice).
	TriggerOnce     TriggerKind = "once"
	TriggerMinutely TriggerKind = "minutely"
	TriggerHourly   TriggerKind = "hourly"
	TriggerDaily    TriggerKind = "daily"
	TriggerWeekly   TriggerKind = "weekly"
	TriggerMonthly  TriggerKind = "monthly"
)

func ParseTrigger(s string) (TriggerKind, error) {
	k := TriggerKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case TriggerOnce, TriggerMinutely, TriggerHourly, TriggerDaily, TriggerWeekly, TriggerMonthly:
		return k, nil
	case "":
		return TriggerDaily, nil
	default:
		return "", fmt.Errorf("unknown trigger type %q", s)
	}
}

// Workflow is a named, independently scheduled unit of work. Registered
// once before Start; immutable thereafter. Names are not required to be
// unique — duplicates both run.
type Workflow struct {
	Name     string
	Trigger  TriggerKind
	At       string // anchor timestamp, RFC3339 or "2006-01-02T15:04:05"
	StartNow bool
	Run      func(ctx context.Context) error
}

type entry struct {
	wf       Workflow
	anchor   time.Time
	anchorOK bool
}

// Service owns the workflow registry and the one-minute evaluation tick.
type Service struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	defs    []entry
	c       *cron.Cron
	started bool
}

func New(timezone string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Service{log: log, loc: loc}
}

// Add registers a workflow. An unparseable anchor is logged here and the
// workflow is simply never due (it still runs via StartNow if flagged).
func (s *Service) Add(wf Workflow) {
	e := entry{wf: wf}
	if wf.Trigger == TriggerMinutely {
		e.anchorOK = true
	} else {
		anchor, err := parseAnchor(wf.At, s.loc)
		if err != nil {
			s.log.Error("workflow has invalid anchor time, it will never trigger",
				logx.String("workflow", wf.Name), logx.String("time", wf.At), logx.Err(err))
		} else {
			e.anchor = anchor
			e.anchorOK = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, e)
}

// Start launches StartNow workflows once (fire-and-forget) and begins the
// repeating one-minute evaluation tick.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, e := range s.defs {
		if e.wf.StartNow {
			go s.runOne(ctx, e.wf)
		}
	}

	s.c = cron.New(cron.WithLocation(s.loc))
	if _, err := s.c.AddFunc("* * * * *", func() {
		s.tick(ctx, time.Now().In(s.loc))
	}); err != nil {
		return err
	}
	s.c.Start()
	s.started = true
	s.log.Info("scheduler started", logx.Int("workflows", len(s.defs)), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.started = false
	s.log.Info("scheduler stopped")
}

// tick launches every due workflow concurrently. A workflow failing or
// panicking never aborts its siblings or the tick loop.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defs := make([]entry, len(s.defs))
	copy(defs, s.defs)
	s.mu.Unlock()

	for _, e := range defs {
		if isDue(e, now) {
			go s.runOne(ctx, e.wf)
		}
	}
}

func (s *Service) runOne(ctx context.Context, wf Workflow) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("workflow panicked", logx.String("workflow", wf.Name), logx.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := wf.Run(ctx); err != nil {
		s.log.Error("workflow failed", logx.String("workflow", wf.Name), logx.Err(err), logx.Duration("dur", time.Since(start)))
		return
	}
	s.log.Info("workflow finished", logx.String("workflow", wf.Name), logx.Duration("dur", time.Since(start)))
}

// isDue compares the wall clock against the workflow's trigger and anchor.
// Pure so schedule matching is testable without timers.
func isDue(e entry, now time.Time) bool {
	if !e.anchorOK {
		return false
	}
	switch e.wf.Trigger {
	case TriggerMinutely:
		return true
	case TriggerHourly:
		return now.Minute() == e.anchor.Minute()
	case TriggerDaily:
		return now.Hour() == e.anchor.Hour() && now.Minute() == e.anchor.Minute()
	case TriggerWeekly, TriggerOnce:
		return now.Weekday() == e.anchor.Weekday() &&
			now.Hour() == e.anchor.Hour() && now.Minute() == e.anchor.Minute()
	case TriggerMonthly:
		return now.Weekday() == e.anchor.Weekday() &&
			now.Hour() == e.anchor.Hour() && now.Minute() == e.anchor.Minute() &&
			now.Month() == e.anchor.Month()
	default:
		return false
	}
}

func parseAnchor(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("anchor time is empty")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	// Anchor without offset: interpret in the scheduler's timezone.
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
