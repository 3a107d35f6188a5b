// Package facility is a minimal client for the facility booking API. It logs
// in with the user's credentials, lists a day's events and joins an event.
package facility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/classbook/internal/event"
	xlog "github.com/example/classbook/internal/log"
)

var ErrUnauthorized = errors.New("facility: unauthorized")

const userAgent = "classbook/1 (+https://github.com/example/classbook)"

type Options struct {
	BaseURL    string
	FacilityID string
	Username   string
	Password   string

	// RPS caps outbound requests per second. Zero means 2.
	RPS     float64
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client implements the scheduler's Fetcher, Reserver and Authenticator for
// one user at one facility.
type Client struct {
	hc         *http.Client
	baseURL    string
	facilityID string
	username   string
	password   string
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu    sync.Mutex
	token string
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 2
	}
	l := xlog.WithComponent("facility")
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Client{
		hc:         hc,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		facilityID: opts.FacilityID,
		username:   opts.Username,
		password:   opts.Password,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		log:        l,
	}
}

// Token returns the current session token; empty until logged in or after
// the server rejected it.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// RefreshAuth logs in again and stores the new session token.
func (c *Client) RefreshAuth(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}
	status, resp, err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, false)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: login rejected for %s", ErrUnauthorized, c.username)
	case status >= 400:
		return apiError("login", status, resp)
	}
	var lr loginResponse
	if err := json.Unmarshal(resp, &lr); err != nil {
		return fmt.Errorf("facility: decode login: %w", err)
	}
	if lr.Token == "" {
		return errors.New("facility: login returned no token")
	}
	c.setToken(lr.Token)
	c.log.Debug().Str("user", c.username).Msg("session refreshed")
	return nil
}

// FetchEvents lists the facility's events for the calendar day of day. A
// missing or rejected token triggers one login and retry.
func (c *Client) FetchEvents(ctx context.Context, day time.Time) (map[string]event.Event, error) {
	path := "/api/v1/facilities/" + url.PathEscape(c.facilityID) + "/events"
	q := url.Values{"day": {day.Format(time.DateOnly)}}

	var (
		status int
		resp   []byte
		err    error
	)
	for try := 0; try < 2; try++ {
		if c.Token() == "" {
			if err := c.RefreshAuth(ctx); err != nil {
				return nil, err
			}
		}
		status, resp, err = c.do(ctx, http.MethodGet, path, q, nil, true)
		if err != nil {
			return nil, err
		}
		if status != http.StatusUnauthorized {
			break
		}
		c.setToken("")
	}
	if status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if status != http.StatusOK {
		return nil, apiError("list events", status, resp)
	}

	var lr listResponse
	if err := json.Unmarshal(resp, &lr); err != nil {
		return nil, fmt.Errorf("facility: decode events: %w", err)
	}
	out := make(map[string]event.Event, len(lr.Events))
	for _, dto := range lr.Events {
		ev, err := dto.toEvent()
		if err != nil {
			c.log.Warn().Err(err).Str("event_id", dto.ID).Msg("skipping malformed event")
			continue
		}
		out[ev.ID] = ev
	}
	return out, nil
}

// Reserve joins ev. A conflict (full, closed, already joined elsewhere) is a
// plain false; a rejected token is cleared and reported as ErrUnauthorized so
// the next attempt logs in again.
func (c *Client) Reserve(ctx context.Context, ev event.Event) (bool, error) {
	path := "/api/v1/events/" + url.PathEscape(ev.ID) + "/participants"
	status, resp, err := c.do(ctx, http.MethodPost, path, nil, []byte("{}"), true)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var rr reserveResponse
		if len(resp) > 0 && json.Unmarshal(resp, &rr) == nil && rr.Status != "" {
			return strings.EqualFold(rr.Status, "booked") || strings.EqualFold(rr.Status, "confirmed"), nil
		}
		return true, nil
	case status == http.StatusConflict:
		return false, nil
	case status == http.StatusUnauthorized:
		c.setToken("")
		return false, ErrUnauthorized
	default:
		return false, apiError("reserve", status, resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, authed bool) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("facility: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

// apiError prefers the server's message field when there is one.
func apiError(op string, status int, body []byte) error {
	var r struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &r)
	if r.Message != "" {
		return fmt.Errorf("facility: %s failed: %s (status=%d)", op, r.Message, status)
	}
	return fmt.Errorf("facility: %s failed (status=%d)", op, status)
}
