package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"tourneyd/internal/schedule"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite ledger.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the sqlite ledger at cfg.Path and
// applies migrations.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug().Str("path", cfg.Path).Msg("ledger open")
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleCols = `id, name, team, clock, increment, minutes, variant, rated, position,
	berserkable, streakable, description, min_rating, max_rating, min_games,
	min_account_age_days, allow_bots, rule, at_minutes, starts, ends,
	team_battle, team_battle_alt, team_battle_leaders, days_in_advance,
	msg_minutes_before, msg_template`

func (s *sqliteStore) Schedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(rows *sql.Rows) (schedule.Schedule, error) {
	var (
		sc                                    schedule.Schedule
		position, description                 sql.NullString
		minRating, maxRating, minGames        sql.NullInt64
		minAge, leaders, inAdvance, msgBefore sql.NullInt64
		starts, ends                          sql.NullInt64
		battle, battleAlt, msgTemplate        sql.NullString
	)
	err := rows.Scan(
		&sc.ID, &sc.Name, &sc.Team, &sc.Clock, &sc.Increment, &sc.Minutes, &sc.Variant,
		&sc.Rated, &position, &sc.Berserkable, &sc.Streakable, &description,
		&minRating, &maxRating, &minGames, &minAge, &sc.AllowBots,
		&sc.Rule, &sc.AtMinutes, &starts, &ends,
		&battle, &battleAlt, &leaders, &inAdvance, &msgBefore, &msgTemplate,
	)
	if err != nil {
		return sc, err
	}
	sc.Position = position.String
	sc.Description = description.String
	sc.MinRating = int(minRating.Int64)
	sc.MaxRating = int(maxRating.Int64)
	sc.MinGames = int(minGames.Int64)
	sc.MinAccountAgeDays = int(minAge.Int64)
	sc.TeamBattle = battle.String
	sc.TeamBattleAlt = battleAlt.String
	sc.TeamBattleLeaders = int(leaders.Int64)
	sc.DaysInAdvanceValue = int(inAdvance.Int64)
	sc.MsgMinutesBefore = int(msgBefore.Int64)
	sc.MsgTemplate = msgTemplate.String
	if starts.Valid {
		sc.Start = time.Unix(starts.Int64, 0).UTC()
	}
	if ends.Valid {
		sc.End = time.Unix(ends.Int64, 0).UTC()
	}
	return sc, nil
}

func (s *sqliteStore) InsertSchedule(ctx context.Context, sc *schedule.Schedule) (int64, error) {
	if err := sc.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (name, team, clock, increment, minutes, variant, rated, position,
			berserkable, streakable, description, min_rating, max_rating, min_games,
			min_account_age_days, allow_bots, rule, at_minutes, starts, ends,
			team_battle, team_battle_alt, team_battle_leaders, days_in_advance,
			msg_minutes_before, msg_template)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.Name, sc.Team, sc.Clock, sc.Increment, sc.Minutes, sc.Variant, sc.Rated, nullStr(sc.Position),
		sc.Berserkable, sc.Streakable, nullStr(sc.Description),
		nullInt(sc.MinRating), nullInt(sc.MaxRating), nullInt(sc.MinGames),
		nullInt(sc.MinAccountAgeDays), sc.AllowBots, sc.Rule, sc.AtMinutes,
		nullTime(sc.Start), nullTime(sc.End),
		nullStr(sc.TeamBattle), nullStr(sc.TeamBattleAlt), nullInt(sc.TeamBattleLeaders),
		nullInt(sc.DaysInAdvanceValue), nullInt(sc.MsgMinutesBefore), nullStr(sc.MsgTemplate),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name=?, clock=?, increment=?, minutes=?, variant=?, rated=?,
			position=?, berserkable=?, streakable=?, description=?, min_rating=?, max_rating=?,
			min_games=?, min_account_age_days=?, allow_bots=?, rule=?, at_minutes=?, starts=?,
			ends=?, team_battle=?, team_battle_alt=?, team_battle_leaders=?, days_in_advance=?,
			msg_minutes_before=?, msg_template=?
		 WHERE id = ? AND team = ?`,
		sc.Name, sc.Clock, sc.Increment, sc.Minutes, sc.Variant, sc.Rated,
		nullStr(sc.Position), sc.Berserkable, sc.Streakable, nullStr(sc.Description),
		nullInt(sc.MinRating), nullInt(sc.MaxRating), nullInt(sc.MinGames),
		nullInt(sc.MinAccountAgeDays), sc.AllowBots, sc.Rule, sc.AtMinutes,
		nullTime(sc.Start), nullTime(sc.End),
		nullStr(sc.TeamBattle), nullStr(sc.TeamBattleAlt), nullInt(sc.TeamBattleLeaders),
		nullInt(sc.DaysInAdvanceValue), nullInt(sc.MsgMinutesBefore), nullStr(sc.MsgTemplate),
		sc.ID, sc.Team,
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) TeamOfSchedule(ctx context.Context, id int64) (string, error) {
	var team string
	err := s.db.QueryRowContext(ctx, `SELECT team FROM schedules WHERE id = ?`, id).Scan(&team)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return team, err
}

func (s *sqliteStore) OccurrenceKeys(ctx context.Context) (map[Key]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT schedule_id, starts_at FROM created`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[Key]struct{}{}
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ScheduleID, &k.StartsAt); err != nil {
			return nil, err
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

func (s *sqliteStore) RecordArena(ctx context.Context, a Arena) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO created (schedule_id, starts_at, arena_id, team, error)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(schedule_id, starts_at) DO UPDATE SET
			arena_id = excluded.arena_id, error = excluded.error`,
		a.ScheduleID, a.StartsAt.Unix(), nullStr(a.ID), a.Team, nullStr(a.Error),
	)
	return err
}

func (s *sqliteStore) CountPriorArenas(ctx context.Context, scheduleID int64, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM created WHERE schedule_id = ? AND starts_at < ?`,
		scheduleID, before.Unix(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) LastTwoArenasBefore(ctx context.Context, scheduleID int64, before time.Time) (string, string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arena_id FROM created
		 WHERE schedule_id = ? AND starts_at < ? AND arena_id IS NOT NULL
		 ORDER BY starts_at DESC LIMIT 2`,
		scheduleID, before.Unix(),
	)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	var prev, prevPrev string
	if len(ids) > 0 {
		prev = ids[0]
	}
	if len(ids) > 1 {
		prevPrev = ids[1]
	}
	return prev, prevPrev, nil
}

func (s *sqliteStore) TeamOfArena(ctx context.Context, arenaID string) (string, error) {
	var team string
	err := s.db.QueryRowContext(ctx, `SELECT team FROM created WHERE arena_id = ?`, arenaID).Scan(&team)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return team, err
}

func (s *sqliteStore) DeleteArena(ctx context.Context, arenaID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM created WHERE arena_id = ?`, arenaID)
	return err
}

func (s *sqliteStore) DeletePastArenas(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM created WHERE starts_at < ?`, now.Unix())
	return err
}

func (s *sqliteStore) RecordMsg(ctx context.Context, m Msg) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO msgs (arena_id, schedule_id, team, template, send_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(arena_id) DO UPDATE SET
			template = excluded.template, send_at = excluded.send_at`,
		m.ArenaID, m.ScheduleID, m.Team, m.Template, m.SendAt.Unix(),
	)
	return err
}

func (s *sqliteStore) DueMsgs(ctx context.Context, now time.Time) ([]Msg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arena_id, schedule_id, team, template, send_at FROM msgs
		 WHERE send_at > ? AND send_at <= ? ORDER BY send_at`,
		now.Add(-MsgWindow).Unix(), now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Msg
	for rows.Next() {
		var m Msg
		var sendAt int64
		if err := rows.Scan(&m.ArenaID, &m.ScheduleID, &m.Team, &m.Template, &sendAt); err != nil {
			return nil, err
		}
		m.SendAt = time.Unix(sendAt, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMsg(ctx context.Context, arenaID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM msgs WHERE arena_id = ?`, arenaID)
	return err
}

func (s *sqliteStore) DeleteExpiredMsgs(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM msgs WHERE send_at <= ?`, now.Add(-MsgWindow).Unix())
	return err
}

func (s *sqliteStore) TeamToken(ctx context.Context, team string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM team_tokens WHERE team = ? AND bad = 0`, team,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, err
}

func (s *sqliteStore) SetTeamToken(ctx context.Context, team, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_tokens (team, token, bad) VALUES (?,?,0)
		 ON CONFLICT(team) DO UPDATE SET token = excluded.token, bad = 0`,
		team, token,
	)
	return err
}

func (s *sqliteStore) MarkTokenBad(ctx context.Context, team string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE team_tokens SET bad = 1 WHERE team = ?`, team)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
