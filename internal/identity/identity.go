// Package identity maps a bearer token to what its holder may do: which
// whitelisted teams they lead and whether they are an admin. Lookups go
// through the remote token-introspection endpoint, with a small TTL cache
// and a cooldown after a rate-limit response so a burst of requests cannot
// hammer the remote.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tourneyd/internal/arena"
)

const (
	cacheTTL  = 10 * time.Minute
	cacheSize = 100
	cooldown  = 10 * time.Minute
)

// ErrUnavailable means verification is temporarily impossible because the
// remote rate-limited us; callers should fail the request, not the token.
var ErrUnavailable = errors.New("identity: verification unavailable")

// ErrInvalid means the token is unknown, expired or under-scoped.
var ErrInvalid = errors.New("identity: token invalid")

// TokenAPI is the slice of the arena client identity needs.
type TokenAPI interface {
	TokenInfo(ctx context.Context, token string) (*arena.Token, error)
	LeaderTeams(ctx context.Context, userID, token string) ([]string, error)
}

// User is a verified caller.
type User struct {
	ID      string
	IsAdmin bool
	Teams   []string // whitelisted teams the user leads
}

func (u *User) ForTeam(team string) bool {
	if u.IsAdmin {
		return true
	}
	for _, t := range u.Teams {
		if t == team {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	user User
	at   time.Time
}

type Verifier struct {
	api    TokenAPI
	log    zerolog.Logger
	admins map[string]struct{}
	teams  map[string]struct{}

	mu            sync.Mutex
	cache         map[string]cacheEntry
	cooldownUntil time.Time

	now func() time.Time
}

func New(api TokenAPI, admins, teams []string, log zerolog.Logger) *Verifier {
	v := &Verifier{
		api:    api,
		log:    log,
		admins: map[string]struct{}{},
		teams:  map[string]struct{}{},
		cache:  map[string]cacheEntry{},
		now:    time.Now,
	}
	for _, a := range admins {
		v.admins[a] = struct{}{}
	}
	for _, t := range teams {
		v.teams[t] = struct{}{}
	}
	return v
}

// Verify resolves a token to a User with tournament-creation rights.
func (v *Verifier) Verify(ctx context.Context, token string) (*User, error) {
	now := v.now()

	v.mu.Lock()
	if e, ok := v.cache[token]; ok {
		if now.Sub(e.at) < cacheTTL {
			u := e.user
			v.mu.Unlock()
			return &u, nil
		}
		delete(v.cache, token)
	}
	if v.cooldownUntil.After(now) {
		v.mu.Unlock()
		return nil, ErrUnavailable
	}
	v.mu.Unlock()

	info, err := v.api.TokenInfo(ctx, token)
	if err != nil {
		return nil, v.remoteErr(err)
	}
	if info == nil {
		return nil, ErrInvalid
	}
	if info.Expired(now) {
		return nil, ErrInvalid
	}
	if !info.AllowsTournaments() {
		return nil, ErrInvalid
	}

	leads, err := v.api.LeaderTeams(ctx, info.UserID, token)
	if err != nil {
		return nil, v.remoteErr(err)
	}
	var teams []string
	for _, t := range leads {
		if _, ok := v.teams[t]; ok {
			teams = append(teams, t)
		}
	}
	_, admin := v.admins[info.UserID]
	user := User{ID: info.UserID, IsAdmin: admin, Teams: teams}

	v.addCache(token, user, now)
	return &user, nil
}

// ValidForTeamMsg reports whether token may send team messages to team:
// not expired, team:lead scope, and the holder actually leads the team.
// A rate-limit response propagates as arena.ErrRateLimited so the caller
// can suspend messaging for that team.
func (v *Verifier) ValidForTeamMsg(ctx context.Context, token, team string) (bool, error) {
	now := v.now()

	v.mu.Lock()
	if v.cooldownUntil.After(now) {
		v.mu.Unlock()
		return false, ErrUnavailable
	}
	v.mu.Unlock()

	info, err := v.api.TokenInfo(ctx, token)
	if err != nil {
		return false, v.remoteErr(err)
	}
	if info == nil || info.Expired(now) || !info.AllowsTeams() {
		return false, nil
	}
	leads, err := v.api.LeaderTeams(ctx, info.UserID, token)
	if err != nil {
		return false, v.remoteErr(err)
	}
	for _, t := range leads {
		if t == team {
			return true, nil
		}
	}
	return false, nil
}

func (v *Verifier) remoteErr(err error) error {
	if errors.Is(err, arena.ErrRateLimited) {
		v.mu.Lock()
		v.cooldownUntil = v.now().Add(cooldown)
		v.mu.Unlock()
		v.log.Warn().Dur("cooldown", cooldown).Msg("token verification rate limited")
		return err
	}
	return err
}

// addCache keeps the cache bounded: on overflow, stale and useless entries
// go first, and if that is not enough the cache is simply dropped.
func (v *Verifier) addCache(token string, user User, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= cacheSize {
		cutoff := now.Add(-cacheTTL)
		for k, e := range v.cache {
			if e.at.Before(cutoff) || (!e.user.IsAdmin && len(e.user.Teams) == 0) {
				delete(v.cache, k)
			}
		}
		if len(v.cache) >= cacheSize {
			v.cache = map[string]cacheEntry{}
		}
	}
	v.cache[token] = cacheEntry{user: user, at: now}
}
