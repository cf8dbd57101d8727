package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"tourneyd/internal/arena"
	"tourneyd/internal/ledger"
	"tourneyd/internal/recurrence"
	"tourneyd/internal/schedule"
	"tourneyd/internal/tmpl"
)

// pending is one occurrence slot waiting to be created this cycle.
type pending struct {
	sched schedule.Schedule
	at    time.Time
}

// RunCycle executes one full cycle. All failures are contained: a store
// failure while collecting aborts the cycle (the next one retries from
// scratch), anything later is isolated per occurrence or per message.
func (s *Service) RunCycle(ctx context.Context) {
	now := s.now().UTC().Truncate(time.Second)

	queue, err := s.collect(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("cycle aborted while collecting")
		return
	}
	s.create(ctx, queue)
	s.message(ctx, now)
}

// collect expands every template, drops occurrences that start too soon to
// safely create and link, and dedupes against the ledger. The key set loaded
// here is the cycle's dedup cache; it lives exactly as long as the cycle.
func (s *Service) collect(ctx context.Context, now time.Time) ([]pending, error) {
	if err := s.store.DeletePastArenas(ctx, now); err != nil {
		return nil, err
	}
	if err := s.store.DeleteExpiredMsgs(ctx, now); err != nil {
		return nil, err
	}

	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.OccurrenceKeys(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	grace := s.cfg.Grace
	s.mu.Unlock()

	var queue []pending
	for _, sc := range schedules {
		for _, at := range recurrence.Next(&sc, now) {
			if at.Before(now.Add(grace)) {
				continue
			}
			if _, done := keys[ledger.Key{ScheduleID: sc.ID, StartsAt: at.Unix()}]; done {
				continue
			}
			queue = append(queue, pending{sched: sc, at: at})
		}
	}

	// Earliest-due first: if the remote starts rate limiting mid-cycle the
	// soonest-needed events have already been created.
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].at.Before(queue[j].at) })
	return queue, nil
}

// create walks the queue strictly sequentially, paced to stay under the
// remote rate limit. A rate-limit response abandons the rest of the queue
// for this cycle; any other failure is recorded against its slot and the
// walk continues.
func (s *Service) create(ctx context.Context, queue []pending) {
	s.mu.Lock()
	lim := s.createLim
	s.mu.Unlock()

	for _, p := range queue {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if err := s.createOne(ctx, p); err != nil {
			if errors.Is(err, arena.ErrRateLimited) {
				s.log.Warn().Int64("schedule", p.sched.ID).Msg("rate limited, abandoning creation for this cycle")
				return
			}
			// Store trouble; leave the slot untouched for the next cycle.
			s.log.Error().Err(err).Int64("schedule", p.sched.ID).Time("at", p.at).Msg("occurrence skipped")
		}
	}
}

// createOne materializes a single occurrence: resolve its index and
// neighbors, create the remote event, persist the outcome, then schedule
// the reminder and the predecessor's link-forward edit.
func (s *Service) createOne(ctx context.Context, p pending) error {
	sc := &p.sched

	// The count query is skipped when no template field references the index.
	nth := 0
	if sc.NeedsIndex() {
		n, err := s.store.CountPriorArenas(ctx, sc.ID, p.at)
		if err != nil {
			return err
		}
		nth = n + 1
	}
	prev, prevPrev, err := s.store.LastTwoArenasBefore(ctx, sc.ID, p.at)
	if err != nil {
		return err
	}

	name := tmpl.Name(sc.Name, p.at, nth)
	desc := ""
	if sc.Description != "" {
		desc = tmpl.Description(sc.Description, s.api.Host(), prev, "", name, p.at, nth)
	}

	id, fullName, err := s.api.Create(ctx, sc, p.at, name, desc)
	if err != nil && id == "" {
		if errors.Is(err, arena.ErrRateLimited) {
			return err
		}
		// Record the failed slot so it is marked attempted and not retried
		// every cycle.
		rec := ledger.Arena{ScheduleID: sc.ID, Team: sc.Team, StartsAt: p.at, Error: err.Error()}
		if rerr := s.store.RecordArena(ctx, rec); rerr != nil {
			s.log.Error().Err(rerr).Int64("schedule", sc.ID).Msg("recording failed occurrence failed")
		}
		s.log.Warn().Err(err).Int64("schedule", sc.ID).Time("at", p.at).Msg("event creation failed")
		return nil
	}

	rec := ledger.Arena{ID: id, ScheduleID: sc.ID, Team: sc.Team, StartsAt: p.at}
	if err != nil {
		// Created, but the team-battle follow-up failed; keep the id and
		// the error detail.
		rec.Error = err.Error()
	}
	if rerr := s.store.RecordArena(ctx, rec); rerr != nil {
		s.log.Error().Err(rerr).Str("arena", id).Msg("recording created occurrence failed")
	}
	s.log.Info().Str("arena", id).Str("name", fullName).Int64("schedule", sc.ID).Time("at", p.at).Msg("event created")

	if sc.HasReminder() {
		msg := ledger.Msg{
			ArenaID:    id,
			ScheduleID: sc.ID,
			Team:       sc.Team,
			Template:   sc.MsgTemplate,
			SendAt:     p.at.Add(-time.Duration(sc.MsgMinutesBefore) * time.Minute),
		}
		if merr := s.store.RecordMsg(ctx, msg); merr != nil {
			s.log.Error().Err(merr).Str("arena", id).Msg("scheduling reminder failed")
		}
	}

	if prev != "" && tmpl.ReferencesNext(sc.Description) {
		if lerr := s.linkPredecessor(ctx, sc, prev, prevPrev, id, nth); lerr != nil {
			return lerr
		}
	}
	return nil
}

// linkPredecessor edits the previous occurrence so its link-to-next
// placeholder points at the event just created.
func (s *Service) linkPredecessor(ctx context.Context, sc *schedule.Schedule, prev, prevPrev, next string, nth int) error {
	s.mu.Lock()
	lim := s.createLim
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return nil
	}

	prevNth := 0
	if nth > 0 {
		prevNth = nth - 1
	}
	err := s.api.LinkToNext(ctx, prev, prevPrev, next, sc.Description, prevNth)
	if err != nil {
		if errors.Is(err, arena.ErrRateLimited) {
			return err
		}
		// The chain link is cosmetic; a failed edit never blocks creation.
		s.log.Warn().Err(err).Str("arena", prev).Str("next", next).Msg("linking predecessor failed")
	}
	return nil
}
