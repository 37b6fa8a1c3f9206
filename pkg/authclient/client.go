// Package authclient is an HTTP client that attaches the session bearer
// token to outgoing requests and recovers from an expired access token by
// refreshing it once and replaying the request.
package authclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"

	DefaultRefreshPath = "/api/v1/auth/refresh"
)

var ErrNilRequest = errors.New("authclient: nil request")

type Config struct {
	// BaseURL is the API root, e.g. https://api.bonebuddy.in.
	BaseURL string
	// RefreshPath is resolved against BaseURL. Defaults to DefaultRefreshPath.
	RefreshPath string
	// ExemptPaths are sent untouched in addition to RefreshPath.
	ExemptPaths []string

	Storage  Storage
	Notifier *Broadcaster

	// HTTPClient is copied; a cookie jar is added when it has none.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    *url.URL
	refreshURL *url.URL
	exempt     map[string]struct{}

	store    Storage
	notifier *Broadcaster
	http     *http.Client
	log      *slog.Logger

	flight singleflight.Group
	// testHookRefreshJoined runs once a caller has joined the refresh flight.
	testHookRefreshJoined func()
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	ref, err := url.Parse(cfg.RefreshPath)
	if err != nil {
		return nil, err
	}
	refreshURL := base.ResolveReference(ref)

	exempt := map[string]struct{}{refreshURL.Path: {}}
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	hc, err := httpClient(cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewBroadcaster()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:    base,
		refreshURL: refreshURL,
		exempt:     exempt,
		store:      cfg.Storage,
		notifier:   cfg.Notifier,
		http:       hc,
		log:        cfg.Logger.With("component", "authclient"),
	}, nil
}

func httpClient(in *http.Client) (*http.Client, error) {
	var hc http.Client
	if in != nil {
		hc = *in
	} else {
		hc = http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	return &hc, nil
}

func (c *Client) Notifier() *Broadcaster { return c.notifier }

// Do sends req like http.Client.Do. Requests without an Authorization
// header get the stored access token. A 401 triggers one shared refresh
// and a single replay; if the refresh yields nothing the 401 is returned.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.URL == nil || c.isExempt(req.URL) {
		return c.http.Do(req)
	}

	getBody, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	var bearer string
	if req.Header.Get("Authorization") == "" {
		bearer = c.token(KeyAccessToken)
	}

	resp, err := c.send(req, getBody, bearer)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	ctx := req.Context()
	fresh := c.refresh(ctx)
	if fresh == "" {
		if err := ctx.Err(); err != nil {
			drain(resp)
			return nil, err
		}
		return resp, nil
	}
	drain(resp)

	return c.send(req, getBody, fresh)
}

func (c *Client) isExempt(u *url.URL) bool {
	_, ok := c.exempt[u.Path]
	return ok
}

func (c *Client) send(req *http.Request, getBody func() (io.ReadCloser, error), bearer string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
		out.GetBody = getBody
	}
	if bearer != "" {
		out.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.http.Do(out)
}

// rewindable returns a body factory so the request can be sent twice.
// The caller's body is consumed and closed.
func rewindable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func (c *Client) token(key string) string {
	v, err := c.store.Get(key)
	if err != nil {
		c.log.Warn("token_read_failed", "key", key, "error", err)
		return ""
	}
	return v
}

// AccessToken reads the current access token from storage.
func (c *Client) AccessToken() string { return c.token(KeyAccessToken) }

func (c *Client) RefreshToken() string { return c.token(KeyRefreshToken) }

// SetSession stores a freshly issued credential pair, e.g. after login.
func (c *Client) SetSession(access, refresh string) error {
	if err := c.store.Set(KeyAccessToken, access); err != nil {
		return err
	}
	if refresh != "" {
		if err := c.store.Set(KeyRefreshToken, refresh); err != nil {
			return err
		}
	}
	c.notifier.Publish(Event{AccessToken: access})
	return nil
}

// ClearSession forgets both tokens.
func (c *Client) ClearSession() error {
	err := c.store.Delete(KeyAccessToken, KeyRefreshToken)
	c.notifier.Publish(Event{})
	return err
}

// URL resolves path against the configured base URL.
func (c *Client) URL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u, err := c.URL(path)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, u, body)
}
