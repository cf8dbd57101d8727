// Package tmpl resolves the placeholders embedded in tournament names,
// descriptions and reminder messages. Resolution is a pure string pass;
// the caller supplies the concrete occurrence index and neighbor ids.
package tmpl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxNameLen is the remote service's hard cap on tournament names.
const MaxNameLen = 30

var (
	indexRe     = regexp.MustCompile(`\{n(th)?(\+\d+)?\}`)
	plusNRe     = regexp.MustCompile(`\{n\+(\d+)\}`)
	plusNthRe   = regexp.MustCompile(`\{nth\+(\d+)\}`)
	weekRe      = regexp.MustCompile(`\{weekOfMonth((?:\|[^{}|]*)*)\}`)
	prevLinkRe  = regexp.MustCompile(`\[[^\n\[\]]+\]\(prev\)`)
	nextLinkRe  = regexp.MustCompile(`\[([^\n\[\]]+)\]\(next\)`)
	eventLinkRe = regexp.MustCompile(`\{link\}`)
)

// NeedsIndex reports whether raw references the occurrence index.
func NeedsIndex(raw string) bool {
	return indexRe.MatchString(raw)
}

// ReferencesNext reports whether raw embeds a link-to-next placeholder, i.e.
// whether a predecessor occurrence will need a follow-up edit once its
// successor exists.
func ReferencesNext(raw string) bool {
	return strings.Contains(raw, "](next)")
}

// Name resolves the placeholders of a tournament name for the occurrence
// starting at the given instant with 1-based index nth. The full month name
// is used unless it would push the name past MaxNameLen, in which case the
// abbreviated form ("Jan.") is substituted instead.
func Name(raw string, at time.Time, nth int) string {
	name := substIndex(raw, nth)
	name = substWeekOfMonth(name, at)
	long := strings.ReplaceAll(name, "{month}", at.Format("January"))
	if len(long) <= MaxNameLen {
		return long
	}
	return strings.ReplaceAll(name, "{month}", at.Format("Jan")+".")
}

// WorstCaseName resolves raw with the widest values every placeholder can
// take, for length validation at template-write time.
func WorstCaseName(raw string) string {
	s := strings.ReplaceAll(raw, "{n}", "42")
	s = strings.ReplaceAll(s, "{nth}", "42nd")
	s = plusNRe.ReplaceAllString(s, "42")
	s = plusNthRe.ReplaceAllString(s, "42nd")
	s = strings.ReplaceAll(s, "{month}", "Jan.")
	s = weekRe.ReplaceAllStringFunc(s, func(m string) string {
		alts := splitAlts(weekRe.FindStringSubmatch(m)[1])
		worst := "4"
		for _, a := range alts {
			if len(a) > len(worst) {
				worst = a
			}
		}
		return worst
	})
	return s
}

// Description resolves a description template. prev and next are the remote
// ids of the neighboring occurrences; an absent prev strips its link
// entirely, an absent next unwraps the link text. host is the remote
// service's base URL.
func Description(raw, host, prev, next, name string, at time.Time, nth int) string {
	desc := raw
	if prev != "" {
		desc = strings.ReplaceAll(desc, "](prev)", "]("+arenaURL(host, prev)+")")
	} else {
		desc = prevLinkRe.ReplaceAllString(desc, "")
	}
	if next != "" {
		desc = strings.ReplaceAll(desc, "](next)", "]("+arenaURL(host, next)+")")
	} else {
		desc = nextLinkRe.ReplaceAllString(desc, "$1")
	}
	desc = strings.ReplaceAll(desc, "{month}", at.Format("January"))
	desc = substIndex(desc, nth)
	desc = substWeekOfMonth(desc, at)
	desc = strings.ReplaceAll(desc, "{name}", name)
	return desc
}

// Message resolves a reminder message template against the arena it
// announces.
func Message(raw, host, arenaID string) string {
	return eventLinkRe.ReplaceAllString(raw, arenaURL(host, arenaID))
}

func arenaURL(host, id string) string {
	return strings.TrimSuffix(host, "/") + "/tournament/" + id
}

func substIndex(s string, nth int) string {
	s = strings.ReplaceAll(s, "{n}", strconv.Itoa(nth))
	s = strings.ReplaceAll(s, "{nth}", Ordinal(nth))
	s = plusNRe.ReplaceAllStringFunc(s, func(m string) string {
		off, _ := strconv.Atoi(plusNRe.FindStringSubmatch(m)[1])
		return strconv.Itoa(nth + off)
	})
	s = plusNthRe.ReplaceAllStringFunc(s, func(m string) string {
		off, _ := strconv.Atoi(plusNthRe.FindStringSubmatch(m)[1])
		return Ordinal(nth + off)
	})
	return s
}

// substWeekOfMonth resolves {weekOfMonth} to the 1-based week index within
// the month. The alternate form {weekOfMonth|a|b|c|d|e} picks the matching
// label instead, with the final label reserved for the last seven days of
// the month.
func substWeekOfMonth(s string, at time.Time) string {
	return weekRe.ReplaceAllStringFunc(s, func(m string) string {
		week := (at.Day() - 1) / 7
		alts := splitAlts(weekRe.FindStringSubmatch(m)[1])
		if len(alts) > 0 {
			daysInMonth := time.Date(at.Year(), at.Month()+1, 0, 0, 0, 0, 0, at.Location()).Day()
			if at.Day() > daysInMonth-7 {
				return alts[len(alts)-1]
			}
			if week < len(alts) {
				return alts[week]
			}
		}
		return strconv.Itoa(week + 1)
	})
}

func splitAlts(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(raw, "|"), "|")
}

// Ordinal formats n with its English ordinal suffix (1st, 2nd, 3rd, 11th...).
func Ordinal(n int) string {
	if n%100/10 == 1 {
		return fmt.Sprintf("%dth", n)
	}
	switch n % 10 {
	case 1:
		return fmt.Sprintf("%dst", n)
	case 2:
		return fmt.Sprintf("%dnd", n)
	case 3:
		return fmt.Sprintf("%drd", n)
	default:
		return fmt.Sprintf("%dth", n)
	}
}
