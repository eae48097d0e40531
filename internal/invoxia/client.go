package invoxia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/invoxia-ha/internal/config"
	"github.com/nugget/invoxia-ha/internal/httpkit"
)

// Error is returned by every failed [Client] call. StatusCode is zero
// when the request never produced a response (dial failure, timeout,
// cancelled context).
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("invoxia %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("invoxia %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is an Invoxia cloud API client. One Client is shared by all
// tracker coordinators; it holds no per-tracker state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an API client. The URL should include the scheme
// and host (e.g., "https://labs.invoxia.io"). The token is sent as a
// bearer credential on every request.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(httpkit.Options{
			Timeout:    15 * time.Second,
			Token:      token,
			Retries:    2,
			RetryDelay: 2 * time.Second,
			Logger:     logger,
		}),
		logger: logger,
	}
}

// GetTrackers lists the locatable devices on the account.
func (c *Client) GetTrackers(ctx context.Context) ([]Tracker, error) {
	var raw []json.RawMessage
	q := url.Values{"kind": {"tracker"}}
	if err := c.getJSON(ctx, "get_trackers", "/api/v1/devices/", q, &raw); err != nil {
		return nil, err
	}

	trackers := make([]Tracker, 0, len(raw))
	for _, r := range raw {
		t, err := DecodeTracker(r)
		if err != nil {
			return nil, &Error{Op: "get_trackers", Err: err}
		}
		trackers = append(trackers, t)
	}
	return trackers, nil
}

// GetLocations returns up to maxCount most recent positions for t.
func (c *Client) GetLocations(ctx context.Context, t Tracker, maxCount int) ([]Location, error) {
	id := t.TrackerIdentity().ID
	path := "/api/v1/trackers/" + strconv.FormatInt(id, 10) + "/data/"
	q := url.Values{"max_count": {strconv.Itoa(maxCount)}}

	var locations []Location
	if err := c.getJSON(ctx, "get_locations", path, q, &locations); err != nil {
		return nil, err
	}
	return locations, nil
}

// GetTrackerStatus returns the current status report for t.
func (c *Client) GetTrackerStatus(ctx context.Context, t Tracker) (*TrackerStatus, error) {
	id := t.TrackerIdentity().ID
	path := "/api/v1/trackers/" + strconv.FormatInt(id, 10) + "/status/"

	var status TrackerStatus
	if err := c.getJSON(ctx, "get_tracker_status", path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks that the API answers and accepts the token. Used by
// connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	var me json.RawMessage
	return c.getJSON(ctx, "ping", "/api/v1/users/me/", nil, &me)
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer httpkit.Discard(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ErrorBody(resp.Body, 512),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Log(ctx, config.LevelTrace, "invoxia response",
		"op", op,
		"path", path,
		"body", string(body),
	)

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
