package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const refreshFlightKey = "refresh"

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// refresh joins the in-flight exchange or starts one. The exchange runs
// detached from ctx and always finishes; a cancelled caller just stops
// waiting for it and gets "".
func (c *Client) refresh(ctx context.Context) string {
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(refreshFlightKey, func() (any, error) {
		return c.exchange(detached), nil
	})
	if c.testHookRefreshJoined != nil {
		c.testHookRefreshJoined()
	}

	select {
	case res := <-ch:
		tok, _ := res.Val.(string)
		return tok
	case <-ctx.Done():
		return ""
	}
}

// exchange performs one call to the refresh endpoint. It returns "" when
// there is no refresh token or the endpoint rejects it; in the latter case
// the stored session is cleared.
func (c *Client) exchange(ctx context.Context) string {
	rt := c.token(KeyRefreshToken)
	if rt == "" {
		return ""
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: rt})
	if err != nil {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL.String(), bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("token_refresh_failed", "reason", "transport", "error", err)
		c.endSession()
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Info("token_refresh_failed", "status", resp.StatusCode)
		c.endSession()
		return ""
	}

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.AccessToken == "" {
		c.log.Warn("token_refresh_failed", "reason", "bad body", "status", resp.StatusCode, "error", err)
		c.endSession()
		return ""
	}

	if err := c.store.Set(KeyAccessToken, out.AccessToken); err != nil {
		c.log.Error("token_store_failed", "key", KeyAccessToken, "error", err)
		return ""
	}
	if out.RefreshToken != "" {
		if err := c.store.Set(KeyRefreshToken, out.RefreshToken); err != nil {
			c.log.Error("token_store_failed", "key", KeyRefreshToken, "error", err)
		}
	}

	c.notifier.Publish(Event{AccessToken: out.AccessToken})
	c.log.Debug("token_refreshed")
	return out.AccessToken
}

func (c *Client) endSession() {
	if err := c.ClearSession(); err != nil {
		c.log.Error("token_clear_failed", "error", err)
	}
}
