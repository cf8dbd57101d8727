package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tourneyd/internal/schedule"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.sqlite")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSchedule() schedule.Schedule {
	return schedule.Schedule{
		Name:      "Weekly Blitz {nth}",
		Team:      "test-team",
		Clock:     3.5,
		Increment: 2,
		Minutes:   90,
		Variant:   "standard",
		Rated:     true,
		Rule:      3,
		AtMinutes: 18 * 60,

		Description:      "join us [prev](prev)",
		MinRating:        1200,
		TeamBattle:       "alpha-club\nbeta-club",
		MsgMinutesBefore: 30,
		MsgTemplate:      "starting soon {link}",
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	in := testSchedule()
	in.Start = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	id, err := st.InsertSchedule(ctx, &in)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := st.Schedules(ctx)
	if err != nil {
		t.Fatalf("schedules: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d schedules, want 1", len(got))
	}
	s := got[0]
	if s.ID != id || s.Name != in.Name || s.Team != in.Team {
		t.Errorf("identity fields mismatch: %+v", s)
	}
	if s.Clock != 3.5 || s.Increment != 2 || s.Minutes != 90 || !s.Rated {
		t.Errorf("event fields mismatch: %+v", s)
	}
	if s.MinRating != 1200 || s.MaxRating != 0 {
		t.Errorf("conditions mismatch: %+v", s)
	}
	if !s.Start.Equal(in.Start) || !s.End.IsZero() {
		t.Errorf("window mismatch: start %v end %v", s.Start, s.End)
	}
	if s.MsgMinutesBefore != 30 || s.MsgTemplate != in.MsgTemplate {
		t.Errorf("reminder mismatch: %+v", s)
	}

	team, err := st.TeamOfSchedule(ctx, id)
	if err != nil || team != "test-team" {
		t.Errorf("TeamOfSchedule = %q, %v", team, err)
	}

	s.Name = "Renamed {nth}"
	if err := st.UpdateSchedule(ctx, &s); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = st.Schedules(ctx)
	if got[0].Name != "Renamed {nth}" {
		t.Errorf("update not persisted: %q", got[0].Name)
	}

	if err := st.DeleteSchedule(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = st.Schedules(ctx)
	if len(got) != 0 {
		t.Errorf("schedule not deleted: %v", got)
	}
}

func TestInsertRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	st := openTest(t)

	bad := testSchedule()
	bad.Rule = 999
	if _, err := st.InsertSchedule(context.Background(), &bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestArenaDedupKey(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	starts := time.Date(2024, time.June, 5, 18, 0, 0, 0, time.UTC)

	// A failed attempt occupies the slot first.
	err := st.RecordArena(ctx, Arena{ScheduleID: 7, Team: "test-team", StartsAt: starts, Error: "boom"})
	if err != nil {
		t.Fatalf("record failed slot: %v", err)
	}
	// Re-recording the same slot upserts, never duplicates.
	err = st.RecordArena(ctx, Arena{ID: "abc", ScheduleID: 7, Team: "test-team", StartsAt: starts})
	if err != nil {
		t.Fatalf("record success: %v", err)
	}

	keys, err := st.OccurrenceKeys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
	if _, ok := keys[Key{ScheduleID: 7, StartsAt: starts.Unix()}]; !ok {
		t.Fatalf("expected key missing: %v", keys)
	}
}

func TestPriorCountAndLastTwo(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, time.June, 5, 18, 0, 0, 0, time.UTC)

	week := func(n int) time.Time { return base.AddDate(0, 0, 7*n) }
	_ = st.RecordArena(ctx, Arena{ID: "a1", ScheduleID: 1, Team: "t", StartsAt: week(0)})
	_ = st.RecordArena(ctx, Arena{ScheduleID: 1, Team: "t", StartsAt: week(1), Error: "failed"})
	_ = st.RecordArena(ctx, Arena{ID: "a3", ScheduleID: 1, Team: "t", StartsAt: week(2)})
	_ = st.RecordArena(ctx, Arena{ID: "zz", ScheduleID: 2, Team: "t", StartsAt: week(1)})

	n, err := st.CountPriorArenas(ctx, 1, week(3))
	if err != nil || n != 3 {
		t.Errorf("CountPriorArenas = %d, %v; want 3", n, err)
	}
	n, _ = st.CountPriorArenas(ctx, 1, week(1))
	if n != 1 {
		t.Errorf("CountPriorArenas before week 1 = %d, want 1", n)
	}

	// The failed slot has no remote id and is skipped for chaining.
	prev, prevPrev, err := st.LastTwoArenasBefore(ctx, 1, week(3))
	if err != nil {
		t.Fatalf("LastTwoArenasBefore: %v", err)
	}
	if prev != "a3" || prevPrev != "a1" {
		t.Errorf("got (%q, %q), want (a3, a1)", prev, prevPrev)
	}

	prev, prevPrev, _ = st.LastTwoArenasBefore(ctx, 1, week(1))
	if prev != "a1" || prevPrev != "" {
		t.Errorf("got (%q, %q), want (a1, empty)", prev, prevPrev)
	}
}

func TestArenaLifecycle(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

	_ = st.RecordArena(ctx, Arena{ID: "old", ScheduleID: 1, Team: "t", StartsAt: now.Add(-time.Hour)})
	_ = st.RecordArena(ctx, Arena{ID: "new", ScheduleID: 1, Team: "t", StartsAt: now.Add(time.Hour)})

	team, err := st.TeamOfArena(ctx, "new")
	if err != nil || team != "t" {
		t.Errorf("TeamOfArena = %q, %v", team, err)
	}
	if team, _ := st.TeamOfArena(ctx, "missing"); team != "" {
		t.Errorf("missing arena should yield empty team, got %q", team)
	}

	if err := st.DeletePastArenas(ctx, now); err != nil {
		t.Fatalf("DeletePastArenas: %v", err)
	}
	keys, _ := st.OccurrenceKeys(ctx)
	if len(keys) != 1 {
		t.Fatalf("got %d keys after pruning, want 1", len(keys))
	}

	if err := st.DeleteArena(ctx, "new"); err != nil {
		t.Fatalf("DeleteArena: %v", err)
	}
	keys, _ = st.OccurrenceKeys(ctx)
	if len(keys) != 0 {
		t.Fatalf("arena not cancelled: %v", keys)
	}
}

func TestMsgWindow(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

	put := func(id string, sendAt time.Time) {
		t.Helper()
		err := st.RecordMsg(ctx, Msg{ArenaID: id, ScheduleID: 1, Team: "t", Template: "{link}", SendAt: sendAt})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	put("due", now.Add(-5*time.Minute))
	put("edge", now)
	put("stale", now.Add(-MsgWindow))   // exactly on the boundary: expired
	put("future", now.Add(time.Minute)) // not due yet

	due, err := st.DueMsgs(ctx, now)
	if err != nil {
		t.Fatalf("DueMsgs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due messages %v, want 2", len(due), due)
	}
	if due[0].ArenaID != "due" || due[1].ArenaID != "edge" {
		t.Errorf("unexpected order: %v", due)
	}

	if err := st.DeleteExpiredMsgs(ctx, now); err != nil {
		t.Fatalf("DeleteExpiredMsgs: %v", err)
	}
	if err := st.DeleteMsg(ctx, "due"); err != nil {
		t.Fatalf("DeleteMsg: %v", err)
	}
	due, _ = st.DueMsgs(ctx, now)
	if len(due) != 1 || due[0].ArenaID != "edge" {
		t.Errorf("after cleanup: %v", due)
	}
}

func TestTeamTokens(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	if tok, err := st.TeamToken(ctx, "t"); err != nil || tok != "" {
		t.Fatalf("empty store: got %q, %v", tok, err)
	}
	if err := st.SetTeamToken(ctx, "t", "tok1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if tok, _ := st.TeamToken(ctx, "t"); tok != "tok1" {
		t.Errorf("got %q, want tok1", tok)
	}

	if err := st.MarkTokenBad(ctx, "t"); err != nil {
		t.Fatalf("mark bad: %v", err)
	}
	if tok, _ := st.TeamToken(ctx, "t"); tok != "" {
		t.Errorf("bad token still returned: %q", tok)
	}

	// Replacing the token clears the bad flag.
	if err := st.SetTeamToken(ctx, "t", "tok2"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if tok, _ := st.TeamToken(ctx, "t"); tok != "tok2" {
		t.Errorf("got %q, want tok2", tok)
	}
}
