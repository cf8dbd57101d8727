// Package ledger is the durable record of what the orchestrator has already
// done: which occurrences were turned into remote arenas (successfully or
// not), which reminder messages are pending, and which team credentials are
// on file. The (scheduleID, startsAt) pair is the deduplication key that
// keeps event creation exactly-once across cycles.
package ledger

import (
	"context"
	"time"

	"tourneyd/internal/schedule"
)

// MsgWindow is how long a reminder stays sendable past its send instant.
// A message older than this is discarded, never sent, so an outage cannot
// flood teams with stale reminders afterwards.
const MsgWindow = 30 * time.Minute

// Arena records one materialized occurrence. A failed creation attempt is
// recorded too, with the error text and an empty remote id, so the slot is
// marked attempted and not retried every cycle.
type Arena struct {
	ID         string // remote arena id, "" if creation failed
	ScheduleID int64
	Team       string
	StartsAt   time.Time
	Error      string // last creation error, "" on success
}

// Msg is a pending reminder, sent MinutesBefore minutes ahead of the arena
// start and deleted once dispatched or expired.
type Msg struct {
	ArenaID    string
	ScheduleID int64
	Team       string
	Template   string
	SendAt     time.Time
}

// Key identifies an occurrence slot.
type Key struct {
	ScheduleID int64
	StartsAt   int64 // unix seconds
}

// Store is the durable ledger. The orchestrator and the CRUD surface access
// it concurrently; every operation is an independent transaction.
type Store interface {
	// Schedule templates (CRUD surface; read-only to the orchestrator).
	Schedules(ctx context.Context) ([]schedule.Schedule, error)
	InsertSchedule(ctx context.Context, s *schedule.Schedule) (int64, error)
	UpdateSchedule(ctx context.Context, s *schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
	TeamOfSchedule(ctx context.Context, id int64) (string, error)

	// Created arenas.
	OccurrenceKeys(ctx context.Context) (map[Key]struct{}, error)
	RecordArena(ctx context.Context, a Arena) error
	CountPriorArenas(ctx context.Context, scheduleID int64, before time.Time) (int, error)
	LastTwoArenasBefore(ctx context.Context, scheduleID int64, before time.Time) (prev, prevPrev string, err error)
	TeamOfArena(ctx context.Context, arenaID string) (string, error)
	DeleteArena(ctx context.Context, arenaID string) error
	DeletePastArenas(ctx context.Context, now time.Time) error

	// Reminder messages.
	RecordMsg(ctx context.Context, m Msg) error
	DueMsgs(ctx context.Context, now time.Time) ([]Msg, error)
	DeleteMsg(ctx context.Context, arenaID string) error
	DeleteExpiredMsgs(ctx context.Context, now time.Time) error

	// Team messaging credentials.
	TeamToken(ctx context.Context, team string) (string, error)
	SetTeamToken(ctx context.Context, team, token string) error
	MarkTokenBad(ctx context.Context, team string) error

	Close() error
}
