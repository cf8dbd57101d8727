package orchestrator

import (
	"context"
	"errors"
	"time"

	"tourneyd/internal/arena"
	"tourneyd/internal/tmpl"
)

// message dispatches every reminder whose send instant has arrived but not
// expired. Messaging is independent of creation: it runs even when the
// creation phase was abandoned early. A rate limit on one team's send
// suspends that team only; other teams keep going.
func (s *Service) message(ctx context.Context, now time.Time) {
	msgs, err := s.store.DueMsgs(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("loading due reminders failed")
		return
	}

	s.mu.Lock()
	lim := s.msgLim
	for team, until := range s.suspended {
		if !until.After(now) {
			delete(s.suspended, team)
		}
	}
	s.mu.Unlock()

	for _, m := range msgs {
		if s.isSuspended(m.Team, now) {
			continue
		}

		token, err := s.store.TeamToken(ctx, m.Team)
		if err != nil {
			s.log.Error().Err(err).Str("team", m.Team).Msg("loading team token failed")
			continue
		}
		if token == "" {
			// No usable credential on file; the message stays queued until
			// its window elapses.
			s.log.Debug().Str("team", m.Team).Str("arena", m.ArenaID).Msg("reminder has no team token")
			continue
		}

		ok, err := s.ident.ValidForTeamMsg(ctx, token, m.Team)
		if err != nil {
			if errors.Is(err, arena.ErrRateLimited) {
				s.suspend(m.Team, now)
				continue
			}
			s.log.Error().Err(err).Str("team", m.Team).Msg("verifying team token failed")
			continue
		}
		if !ok {
			if berr := s.store.MarkTokenBad(ctx, m.Team); berr != nil {
				s.log.Error().Err(berr).Str("team", m.Team).Msg("flagging bad token failed")
			}
			s.log.Warn().Str("team", m.Team).Msg("team token no longer valid for messaging")
			continue
		}

		if err := lim.Wait(ctx); err != nil {
			return
		}
		text := tmpl.Message(m.Template, s.api.Host(), m.ArenaID)
		if err := s.api.SendTeamMsg(ctx, m.Team, token, text); err != nil {
			if errors.Is(err, arena.ErrRateLimited) {
				s.suspend(m.Team, now)
				continue
			}
			s.log.Error().Err(err).Str("team", m.Team).Str("arena", m.ArenaID).Msg("sending reminder failed")
			continue
		}
		if derr := s.store.DeleteMsg(ctx, m.ArenaID); derr != nil {
			s.log.Error().Err(derr).Str("arena", m.ArenaID).Msg("removing dispatched reminder failed")
		}
		s.log.Info().Str("team", m.Team).Str("arena", m.ArenaID).Msg("reminder sent")
	}
}

func (s *Service) isSuspended(team string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.suspended[team]
	return ok && until.After(now)
}

func (s *Service) suspend(team string, now time.Time) {
	s.mu.Lock()
	s.suspended[team] = now.Add(suspendFor)
	s.mu.Unlock()
	s.log.Warn().Str("team", team).Dur("for", suspendFor).Msg("team messaging suspended after rate limit")
}
