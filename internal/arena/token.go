package arena

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Token is the remote service's view of an access credential.
type Token struct {
	UserID  string
	Expires time.Time // zero = no expiry
	Scopes  []string
}

func (t *Token) AllowsTournaments() bool { return t.hasScope("tournament:write") }
func (t *Token) AllowsTeams() bool       { return t.hasScope("team:lead") }

// Expired allows a day of slack past the nominal expiry, matching how long
// the remote keeps honoring a token after rotation.
func (t *Token) Expired(now time.Time) bool {
	return !t.Expires.IsZero() && t.Expires.Before(now.Add(-24*time.Hour))
}

func (t *Token) hasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenInfo introspects a token. A nil result with nil error means the
// token is unknown to the remote service.
func (c *Client) TokenInfo(ctx context.Context, token string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/token/test", strings.NewReader(token))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var raw map[string]*struct {
		UserID  string `json:"userId"`
		Expires int64  `json:"expires"` // unix millis, 0 = none
		Scopes  string `json:"scopes"`  // comma separated
	}
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}
	info := raw[token]
	if info == nil {
		return nil, nil
	}
	t := &Token{UserID: info.UserID, Scopes: strings.Split(info.Scopes, ",")}
	if info.Expires > 0 {
		t.Expires = time.UnixMilli(info.Expires).UTC()
	}
	return t, nil
}

// LeaderTeams returns the ids of the teams the user leads.
func (c *Client) LeaderTeams(ctx context.Context, userID, token string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/team/of/"+userID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var teams []struct {
		ID      string `json:"id"`
		Leaders []struct {
			ID string `json:"id"`
		} `json:"leaders"`
	}
	if err := c.do(req, &teams); err != nil {
		return nil, err
	}

	var out []string
	for _, team := range teams {
		for _, leader := range team.Leaders {
			if leader.ID == userID {
				out = append(out, team.ID)
				break
			}
		}
	}
	return out, nil
}
