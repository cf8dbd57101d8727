// Package orchestrator runs the periodic cycle that turns due occurrences
// into remote arenas exactly once, chains them to their neighbors and
// dispatches reminder team messages. One cycle walks the phases
// collect -> create -> message; cycles never overlap and never crash the
// host process.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tourneyd/internal/ledger"
	"tourneyd/internal/schedule"
)

// Ledger is the slice of the durable store the orchestrator consumes.
type Ledger interface {
	Schedules(ctx context.Context) ([]schedule.Schedule, error)
	OccurrenceKeys(ctx context.Context) (map[ledger.Key]struct{}, error)
	RecordArena(ctx context.Context, a ledger.Arena) error
	CountPriorArenas(ctx context.Context, scheduleID int64, before time.Time) (int, error)
	LastTwoArenasBefore(ctx context.Context, scheduleID int64, before time.Time) (prev, prevPrev string, err error)
	DeletePastArenas(ctx context.Context, now time.Time) error
	RecordMsg(ctx context.Context, m ledger.Msg) error
	DueMsgs(ctx context.Context, now time.Time) ([]ledger.Msg, error)
	DeleteMsg(ctx context.Context, arenaID string) error
	DeleteExpiredMsgs(ctx context.Context, now time.Time) error
	TeamToken(ctx context.Context, team string) (string, error)
	MarkTokenBad(ctx context.Context, team string) error
}

// ArenaAPI is the remote event service.
type ArenaAPI interface {
	Host() string
	Create(ctx context.Context, s *schedule.Schedule, at time.Time, name, desc string) (id, fullName string, err error)
	LinkToNext(ctx context.Context, id, prev, next, descTemplate string, nth int) error
	SendTeamMsg(ctx context.Context, team, token, text string) error
}

// Identity verifies team messaging credentials.
type Identity interface {
	ValidForTeamMsg(ctx context.Context, token, team string) (bool, error)
}

type Config struct {
	Interval    time.Duration // cycle cadence
	CreatePace  time.Duration // spacing between remote create/edit calls
	MessagePace time.Duration // spacing between team message sends
	Grace       time.Duration // occurrences starting sooner than this are left alone
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.CreatePace <= 0 {
		c.CreatePace = 10 * time.Second
	}
	if c.MessagePace <= 0 {
		c.MessagePace = 2 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = time.Hour
	}
	return c
}

// suspendFor is how long messaging stays suspended for a team after the
// remote rate-limits a send on its behalf.
const suspendFor = time.Hour

type Service struct {
	mu  sync.Mutex
	cfg Config

	store Ledger
	api   ArenaAPI
	ident Identity
	log   zerolog.Logger

	c      *cron.Cron
	runCtx context.Context // context the cycles run under, kept across restarts

	createLim *rate.Limiter
	msgLim    *rate.Limiter

	// suspended maps team id to the instant its messaging suspension ends.
	// It survives across cycles but not restarts; a lost suspension only
	// costs one extra 429.
	suspended map[string]time.Time

	now func() time.Time
}

func New(cfg Config, store Ledger, api ArenaAPI, ident Identity, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		store:     store,
		api:       api,
		ident:     ident,
		log:       log,
		createLim: rate.NewLimiter(rate.Every(cfg.CreatePace), 1),
		msgLim:    rate.NewLimiter(rate.Every(cfg.MessagePace), 1),
		suspended: map[string]time.Time{},
		now:       time.Now,
	}
}

// Apply updates the tunable knobs. An interval change restarts the cron
// while keeping all other state.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := cfg.Interval != s.cfg.Interval && s.c != nil
	s.cfg = cfg
	s.createLim = rate.NewLimiter(rate.Every(cfg.CreatePace), 1)
	s.msgLim = rate.NewLimiter(rate.Every(cfg.MessagePace), 1)
	if restart {
		s.stopLocked()
		if err := s.startLocked(s.runCtx); err != nil {
			s.log.Error().Err(err).Msg("restart after config change failed")
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	clog := cronLogger{s.log}
	c := cron.New(cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		s.RunCycle(ctx)
	})
	if err != nil {
		return err
	}
	s.c = c
	s.runCtx = ctx
	c.Start()
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("orchestrator started")
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info().Msg("orchestrator stopped")
}

// cronLogger adapts zerolog to cron's logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
