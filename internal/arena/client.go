// Package arena is the HTTP client for the remote Arena Service: event
// creation, editing and termination, team-battle configuration, team
// messages and token introspection. All requests are form-encoded POSTs
// with Bearer auth. The orchestrator only interprets three outcomes:
// success, rate-limited (429) and generic failure.
package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tourneyd/internal/schedule"
	"tourneyd/internal/tmpl"
)

// ErrRateLimited signals the remote service asked us to slow down. The
// orchestrator reacts with cooperative backoff, never with infinite retry.
var ErrRateLimited = errors.New("arena: rate limited")

// RequestError is any non-2xx response other than a rate limit.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("arena: status %d: %s", e.Status, e.Body)
}

type Config struct {
	Host    string // e.g. https://lichess.org
	Token   string // API key used for tournament creation
	Timeout time.Duration
}

type Client struct {
	host  string
	token string
	hc    *http.Client
	log   zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		host:  strings.TrimSuffix(cfg.Host, "/"),
		token: cfg.Token,
		hc:    &http.Client{Timeout: timeout},
		log:   log,
	}
}

// Host returns the remote base URL, used to resolve link placeholders.
func (c *Client) Host() string { return c.host }

// Create creates the arena for one occurrence of s, returning the remote id
// and the server-resolved full name. Team battles need a follow-up call to
// attach the opponent list; that happens here too.
func (c *Client) Create(ctx context.Context, s *schedule.Schedule, at time.Time, name, desc string) (id, fullName string, err error) {
	form := eventForm(s, name, desc)
	form.Set("startDate", strconv.FormatInt(at.UnixMilli(), 10))
	if s.IsTeamBattle() {
		form.Set("teamBattleByTeam", s.Team)
	} else {
		form.Set("conditions.teamMember.teamId", s.Team)
	}

	var created struct {
		ID       string `json:"id"`
		FullName string `json:"fullName"`
	}
	if err := c.post(ctx, "/api/tournament", c.token, form, &created); err != nil {
		return "", "", err
	}
	if created.ID == "" {
		return "", "", fmt.Errorf("arena: created event has no id")
	}

	if s.IsTeamBattle() {
		if err := c.SetTeamBattle(ctx, created.ID, s.BattleTeams(at), s.Leaders()); err != nil {
			return created.ID, created.FullName, err
		}
	}
	return created.ID, created.FullName, nil
}

// SetTeamBattle attaches the opponent team list to a team-battle arena.
func (c *Client) SetTeamBattle(ctx context.Context, id string, teams []string, leaders int) error {
	form := url.Values{}
	form.Set("teams", strings.Join(teams, ","))
	form.Set("nbLeaders", strconv.Itoa(leaders))
	return c.post(ctx, "/api/tournament/team-battle/"+id, c.token, form, nil)
}

// Terminate ends a running or future arena.
func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.post(ctx, "/api/tournament/"+id+"/terminate", c.token, url.Values{}, nil)
}

// info is the subset of the remote event representation needed to re-submit
// an edit without clobbering fields.
type info struct {
	FullName string `json:"fullName"`
	StartsAt string `json:"startsAt"`
	Minutes  int    `json:"minutes"`
	Variant  string `json:"variant"`
	Clock    struct {
		Limit     float64 `json:"limit"` // seconds
		Increment int     `json:"increment"`
	} `json:"clock"`
	MinRatedGames *struct {
		Nb int `json:"nb"`
	} `json:"minRatedGames"`
	MinRating *struct {
		Rating int `json:"rating"`
	} `json:"minRating"`
	MaxRating *struct {
		Rating int `json:"rating"`
	} `json:"maxRating"`
	BotsAllowed       *bool `json:"botsAllowed"`
	MinAccountAgeDays *int  `json:"minAccountAgeInDays"`
}

// LinkToNext edits the arena id so its description's link-to-next
// placeholder points at next. prev is id's own predecessor, needed because
// the whole description is re-resolved from the template.
func (c *Client) LinkToNext(ctx context.Context, id, prev, next, descTemplate string, nth int) error {
	var cur info
	if err := c.get(ctx, "/api/tournament/"+id, &cur); err != nil {
		return err
	}

	name := strings.TrimSuffix(cur.FullName, " Arena")
	name = strings.TrimSuffix(name, " Team Battle")
	at, err := time.Parse(time.RFC3339, cur.StartsAt)
	if err != nil {
		return fmt.Errorf("arena: event %s has bad startsAt %q: %w", id, cur.StartsAt, err)
	}

	form := url.Values{}
	form.Set("clockTime", formatClock(cur.Clock.Limit/60))
	form.Set("clockIncrement", strconv.Itoa(cur.Clock.Increment))
	form.Set("minutes", strconv.Itoa(cur.Minutes))
	form.Set("variant", cur.Variant)
	form.Set("description", tmpl.Description(descTemplate, c.host, prev, next, name, at, nth))
	if cur.MinRatedGames != nil {
		form.Set("conditions.nbRatedGame.nb", strconv.Itoa(cur.MinRatedGames.Nb))
	}
	if cur.MinRating != nil {
		form.Set("conditions.minRating.rating", strconv.Itoa(cur.MinRating.Rating))
	}
	if cur.MaxRating != nil {
		form.Set("conditions.maxRating.rating", strconv.Itoa(cur.MaxRating.Rating))
	}
	if cur.BotsAllowed != nil {
		form.Set("conditions.bots", strconv.FormatBool(*cur.BotsAllowed))
	}
	if cur.MinAccountAgeDays != nil {
		form.Set("conditions.accountAge", strconv.Itoa(*cur.MinAccountAgeDays))
	}
	return c.post(ctx, "/api/tournament/"+id, c.token, form, nil)
}

// SendTeamMsg sends a private message to every member of a team, using that
// team's own credential rather than the scheduler's API key.
func (c *Client) SendTeamMsg(ctx context.Context, team, token, text string) error {
	form := url.Values{}
	form.Set("message", text)
	return c.post(ctx, "/team/"+team+"/pm-all", token, form, nil)
}

// eventForm builds the shared create/edit field set from a template.
func eventForm(s *schedule.Schedule, name, desc string) url.Values {
	form := url.Values{}
	form.Set("name", name)
	form.Set("clockTime", formatClock(s.Clock))
	form.Set("clockIncrement", strconv.Itoa(s.Increment))
	form.Set("minutes", strconv.Itoa(s.Minutes))
	form.Set("variant", s.Variant)
	form.Set("rated", strconv.FormatBool(s.Rated))
	form.Set("berserkable", strconv.FormatBool(s.Berserkable))
	form.Set("streakable", strconv.FormatBool(s.Streakable))
	form.Set("conditions.bots", strconv.FormatBool(s.AllowBots))
	if s.Position != "" {
		form.Set("position", s.Position)
	}
	if desc != "" {
		form.Set("description", desc)
	}
	if s.MinRating > 0 {
		form.Set("conditions.minRating.rating", strconv.Itoa(s.MinRating))
	}
	if s.MaxRating > 0 {
		form.Set("conditions.maxRating.rating", strconv.Itoa(s.MaxRating))
	}
	if s.MinGames > 0 {
		form.Set("conditions.nbRatedGame.nb", strconv.Itoa(s.MinGames))
	}
	if s.MinAccountAgeDays > 0 {
		form.Set("conditions.accountAge", strconv.Itoa(s.MinAccountAgeDays))
	}
	return form
}

func formatClock(minutes float64) string {
	return strconv.FormatFloat(minutes, 'f', -1, 64)
}

func (c *Client) post(ctx context.Context, path, token string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusTooManyRequests {
		c.log.Warn().Str("path", req.URL.Path).Msg("remote rate limit hit")
		return ErrRateLimited
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &RequestError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
