package tmpl

import (
	"strings"
	"testing"
	"time"
)

func TestOrdinal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		want string
	}{
		{1, "1st"}, {2, "2nd"}, {3, "3rd"}, {4, "4th"},
		{11, "11th"}, {12, "12th"}, {13, "13th"},
		{21, "21st"}, {42, "42nd"}, {103, "103rd"}, {111, "111th"},
	}
	for _, tt := range tests {
		if got := Ordinal(tt.n); got != tt.want {
			t.Errorf("Ordinal(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	jan := time.Date(2024, time.January, 10, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		at   time.Time
		nth  int
		want string
	}{
		{"index", "Blitz {n}", jan, 7, "Blitz 7"},
		{"ordinal index", "{nth} Weekly", jan, 22, "22nd Weekly"},
		{"offset index", "Derby {n+100}", jan, 7, "Derby 107"},
		{"offset ordinal", "{nth+10} Derby", jan, 7, "17th Derby"},
		{"full month fits", "{month} Open", jan, 1, "January Open"},
		{"week of month", "Week {weekOfMonth} Cup", jan, 1, "Week 2 Cup"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Name(tt.raw, tt.at, tt.nth); got != tt.want {
				t.Errorf("Name(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNameAbbreviatesMonthWhenTooLong(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, time.September, 5, 18, 0, 0, 0, time.UTC)
	raw := "Super Grand Slam {month} Cup!" // "September" would hit 31 chars

	got := Name(raw, at, 1)
	if strings.Contains(got, "September") {
		t.Fatalf("full month kept in %q despite exceeding the name cap", got)
	}
	if !strings.Contains(got, "Sep.") {
		t.Fatalf("abbreviated month missing in %q", got)
	}
	if len(got) > MaxNameLen {
		t.Fatalf("resolved name %q still longer than %d", got, MaxNameLen)
	}
}

func TestWeekOfMonthAlternates(t *testing.T) {
	t.Parallel()
	raw := "{weekOfMonth|first|second|third|fourth|final}"

	tests := []struct {
		day  int
		want string
	}{
		{1, "first"},
		{8, "second"},
		{15, "third"},
		{22, "fourth"},
		{25, "final"}, // last 7 days of a 31-day month
		{31, "final"},
	}
	for _, tt := range tests {
		at := time.Date(2024, time.January, tt.day, 12, 0, 0, 0, time.UTC)
		if got := Name(raw, at, 1); got != tt.want {
			t.Errorf("day %d: got %q, want %q", tt.day, got, tt.want)
		}
	}
}

func TestDescriptionLinks(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, time.March, 1, 18, 0, 0, 0, time.UTC)
	raw := "See [last week](prev) and [next week](next)."
	host := "https://example.org"

	t.Run("both neighbors", func(t *testing.T) {
		t.Parallel()
		got := Description(raw, host, "aaa", "bbb", "Cup", at, 2)
		if !strings.Contains(got, "](https://example.org/tournament/aaa)") {
			t.Errorf("prev link not resolved: %q", got)
		}
		if !strings.Contains(got, "](https://example.org/tournament/bbb)") {
			t.Errorf("next link not resolved: %q", got)
		}
	})

	t.Run("no neighbors", func(t *testing.T) {
		t.Parallel()
		got := Description(raw, host, "", "", "Cup", at, 1)
		if strings.Contains(got, "last week") {
			t.Errorf("prev link should be stripped entirely: %q", got)
		}
		if !strings.Contains(got, "next week") || strings.Contains(got, "](next)") {
			t.Errorf("next link should be unwrapped to its text: %q", got)
		}
	})
}

func TestDescriptionPlaceholders(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, time.March, 1, 18, 0, 0, 0, time.UTC)
	got := Description("The {nth} {name} of {month}", "https://example.org", "", "", "Rapid Cup", at, 3)
	want := "The 3rd Rapid Cup of March"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	got := Message("Starting soon: {link}", "https://example.org", "abc123")
	want := "Starting soon: https://example.org/tournament/abc123"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWorstCaseName(t *testing.T) {
	t.Parallel()
	got := WorstCaseName("{nth} {month} Cup {n+5}")
	want := "42nd Jan. Cup 42"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNeedsIndex(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want bool
	}{
		{"Weekly Blitz", false},
		{"Blitz {n}", true},
		{"{nth} Blitz", true},
		{"Blitz {n+3}", true},
		{"Blitz {nth+10}", true},
		{"{month} Open", false},
	}
	for _, tt := range tests {
		if got := NeedsIndex(tt.raw); got != tt.want {
			t.Errorf("NeedsIndex(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestReferencesNext(t *testing.T) {
	t.Parallel()
	if ReferencesNext("plain text") {
		t.Error("plain text should not reference next")
	}
	if !ReferencesNext("see [next](next)") {
		t.Error("next link not detected")
	}
}
