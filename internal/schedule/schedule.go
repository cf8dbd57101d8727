package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"tourneyd/internal/tmpl"
)

// Recurrence rule encoding, carried as a single integer:
//
//   - 0: every day.
//   - 1..7: fixed ISO weekday (1=Monday), weekly.
//   - 1000 < rule < 10000: every (rule%1000) days/weeks/months for
//     rule/1000 = 1/2/3, anchored at Start. Start is mandatory.
//   - 10000 <= rule < 20000: the ((rule%100)/10)-th occurrence of weekday
//     rule%10 (0=Monday) in each month; ordinal 4 means "last". Start is
//     mandatory.
//   - 20000 <= rule <= 20007: every day except ISO weekday rule-20000,
//     which is skipped by shifting one day forward. Start is mandatory.
const (
	RuleDaily        = 0
	RuleEveryExcept  = 20000
	maxWeekdayDigit  = 6
	maxOrdinal       = 4
	defaultInAdvance = 1
)

// Schedule is a recurrence template owned by a team. It is written by the
// CRUD surface and read-only to the recurrence engine and orchestrator.
type Schedule struct {
	ID   int64
	Name string
	Team string

	Clock       float64 // initial clock, minutes
	Increment   int     // seconds
	Minutes     int     // arena duration
	Variant     string
	Rated       bool
	Position    string // optional starting FEN
	Berserkable bool
	Streakable  bool
	Description string

	MinRating         int // 0 = no condition
	MaxRating         int
	MinGames          int
	MinAccountAgeDays int
	AllowBots         bool

	Rule      int       // recurrence code, see above
	AtMinutes int       // wall-clock start, minutes after midnight UTC
	Start     time.Time // zero = unbounded; anchor for periodic rules
	End       time.Time // zero = unbounded

	TeamBattle         string // team list text, one team per line
	TeamBattleAlt      string // alternate list used in the last week of a month
	TeamBattleLeaders  int    // 0 = default (5)
	DaysInAdvanceValue int    // 0 = default (1)

	MsgMinutesBefore int
	MsgTemplate      string
}

func (s *Schedule) Hour() int   { return s.AtMinutes / 60 }
func (s *Schedule) Minute() int { return s.AtMinutes % 60 }

func (s *Schedule) IsTeamBattle() bool { return strings.TrimSpace(s.TeamBattle) != "" }

func (s *Schedule) DaysInAdvance() int {
	if s.DaysInAdvanceValue > 0 {
		return s.DaysInAdvanceValue
	}
	return defaultInAdvance
}

func (s *Schedule) Leaders() int {
	if s.TeamBattleLeaders > 0 {
		return s.TeamBattleLeaders
	}
	return 5
}

func (s *Schedule) HasReminder() bool {
	return s.MsgMinutesBefore > 0 && strings.TrimSpace(s.MsgTemplate) != ""
}

// NeedsIndex reports whether creating an occurrence requires knowing its
// ordinal position, i.e. the name or description embeds an index placeholder.
// The orchestrator skips the prior-occurrence count query otherwise.
func (s *Schedule) NeedsIndex() bool {
	return tmpl.NeedsIndex(s.Name) || tmpl.NeedsIndex(s.Description)
}

// BattleTeams returns the cleaned team-battle opponent list for an occurrence
// starting at the given instant. The alternate list, when present, replaces
// the regular one during the last seven days of the month.
func (s *Schedule) BattleTeams(at time.Time) []string {
	raw := s.TeamBattle
	if s.TeamBattleAlt != "" && lastWeekOfMonth(at) {
		raw = s.TeamBattleAlt
	}
	return extractTeams(raw)
}

var teamIDRe = regexp.MustCompile(`^[\w-]{2,}$`)

// extractTeams takes the first whitespace-separated token of every non-blank
// line, drops anything that is not a plausible team id, and dedupes.
func extractTeams(raw string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		id := fields[0]
		if !teamIDRe.MatchString(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func lastWeekOfMonth(t time.Time) bool {
	daysInMonth := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return t.Day() > daysInMonth-7
}

// ValidationError rejects a malformed template at write time, before the
// recurrence engine or orchestrator ever see it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule: %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the recurrence code, window bounds and worst-case resolved
// name length. An invalid combination is rejected, never coerced.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if strings.TrimSpace(s.Team) == "" {
		return invalid("team", "must not be empty")
	}
	if s.AtMinutes < 0 || s.AtMinutes >= 24*60 {
		return invalid("atMinutes", "%d out of range", s.AtMinutes)
	}
	if err := validateRule(s.Rule, s.Start); err != nil {
		return err
	}
	if !s.Start.IsZero() && !s.End.IsZero() && s.End.Before(s.Start) {
		return invalid("end", "before start")
	}
	if s.Minutes <= 0 {
		return invalid("minutes", "duration must be positive")
	}
	if n := tmpl.WorstCaseName(s.Name); len(n) > tmpl.MaxNameLen {
		return invalid("name", "longer than %d characters once placeholders resolve", tmpl.MaxNameLen)
	}
	if s.MsgMinutesBefore < 0 {
		return invalid("msgMinutesBefore", "must not be negative")
	}
	return nil
}

func validateRule(rule int, start time.Time) error {
	switch {
	case rule < 0:
		return invalid("rule", "negative code %d", rule)
	case rule <= 7:
		return nil
	case rule <= 1000:
		return invalid("rule", "unknown code %d", rule)
	case rule < 10000:
		if rule/1000 > 3 {
			return invalid("rule", "unknown period unit in %d", rule)
		}
		if rule%1000 == 0 {
			return invalid("rule", "zero period in %d", rule)
		}
		if start.IsZero() {
			return invalid("start", "required for periodic rule %d", rule)
		}
		return nil
	case rule < 20000:
		if rule%10 > maxWeekdayDigit {
			return invalid("rule", "weekday digit %d out of range", rule%10)
		}
		if rule%100/10 > maxOrdinal {
			return invalid("rule", "weekday ordinal out of range in %d", rule)
		}
		if rule >= 10000+100 {
			return invalid("rule", "unknown code %d", rule)
		}
		if start.IsZero() {
			return invalid("start", "required for rule %d", rule)
		}
		return nil
	case rule >= RuleEveryExcept+1 && rule <= RuleEveryExcept+7:
		if start.IsZero() {
			return invalid("start", "required for rule %d", rule)
		}
		return nil
	default:
		return invalid("rule", "unknown code %d", rule)
	}
}
