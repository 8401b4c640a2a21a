package missioncoresdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Mission API client, used by campaign services to
// submit missions and by external workers to report progress.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	State        string         `json:"state"`
	Priority     int            `json:"priority"`
	Owner        string         `json:"owner,omitempty"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	AssignedCrew string         `json:"assigned_crew,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Result       map[string]any `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ErrorRecord is one failure in a mission's error history.
type ErrorRecord struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Attempt     int    `json:"attempt"`
	Recoverable bool   `json:"recoverable"`
}

// MissionStatus is the detailed view returned for a single mission.
type MissionStatus struct {
	Mission        Mission       `json:"mission"`
	Terminal       bool          `json:"terminal"`
	Classification string        `json:"classification,omitempty"`
	Error          *ErrorRecord  `json:"error,omitempty"`
	ErrorHistory   []ErrorRecord `json:"error_history,omitempty"`
	RetryCount     int           `json:"retry_count"`
	History        []Event       `json:"history,omitempty"`
}

// CreateMission holds the optional fields of a mission request.
type CreateMission struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Priority   int            `json:"priority,omitempty"`
	Owner      string         `json:"owner,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Report types accepted by ReportProgress.
const (
	ReportStarted   = "mission.started"
	ReportStage     = "mission.stage"
	ReportCompleted = "mission.completed"
	ReportFailed    = "mission.failed"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMissions wraps mission listings with cursors.
type PaginatedMissions struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// MissionFilter narrows ListMissions. Zero values match everything.
type MissionFilter struct {
	State      string
	Type       string
	CampaignID string
	Limit      int
	Cursor     string
}

// CreateMission submits a mission and returns it in the queued state.
func (c *Client) CreateMission(ctx context.Context, req CreateMission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", req, &resp)
	return resp, err
}

// GetMission returns a mission's status and error history.
func (c *Client) GetMission(ctx context.Context, id string) (MissionStatus, error) {
	var resp MissionStatus
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListMissions returns one page of missions, newest first.
func (c *Client) ListMissions(ctx context.Context, f MissionFilter) (PaginatedMissions, error) {
	q := url.Values{}
	setQuery(q, "state", f.State)
	setQuery(q, "type", f.Type)
	setQuery(q, "campaign_id", f.CampaignID)
	setQuery(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, withQuery("missions", q), nil, &resp)
	return resp, err
}

// CancelMission cancels a mission. It reports false when the mission had
// already finished.
func (c *Client) CancelMission(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "missions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// ReportProgress submits a worker report and returns the bus message id.
func (c *Client) ReportProgress(ctx context.Context, missionID, reportType string, data map[string]any) (string, error) {
	body := map[string]any{"type": reportType, "data": data}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	err := c.do(ctx, http.MethodPost, "missions/"+url.PathEscape(missionID)+"/reports", body, &resp)
	return resp.MessageID, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
