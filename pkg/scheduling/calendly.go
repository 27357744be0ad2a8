// Package scheduling resolves interview booking links to the time the
// interview actually takes place.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrInvalidURL means the link is not a Calendly scheduled event.
	ErrInvalidURL = errors.New("not a calendly scheduled event url")
	// ErrEventNotFound means Calendly does not know the event.
	ErrEventNotFound = errors.New("calendly event not found")
	// ErrUnavailable marks transport failures and 5xx responses.
	ErrUnavailable = errors.New("calendly unavailable")
)

const defaultCalendlyAPI = "https://api.calendly.com"

// CalendlyClient looks up scheduled events through the Calendly v2 API.
type CalendlyClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// CalendlyOption configures a CalendlyClient.
type CalendlyOption func(*CalendlyClient)

// WithBaseURL points the client at another API host (tests, proxies).
func WithBaseURL(u string) CalendlyOption {
	return func(c *CalendlyClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) CalendlyOption {
	return func(c *CalendlyClient) {
		c.http = h
	}
}

// NewCalendlyClient creates a client authenticating with a personal access token.
func NewCalendlyClient(token string, opts ...CalendlyOption) *CalendlyClient {
	c := &CalendlyClient{
		baseURL: defaultCalendlyAPI,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventUUID extracts the scheduled event id from an event or invitee URI,
// e.g. https://api.calendly.com/scheduled_events/<uuid>/invitees/<uuid>.
func EventUUID(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || !isCalendlyHost(u.Hostname()) {
		return "", ErrInvalidURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "scheduled_events" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", ErrInvalidURL
}

func isCalendlyHost(host string) bool {
	host = strings.ToLower(host)
	return host == "calendly.com" || strings.HasSuffix(host, ".calendly.com")
}

type scheduledEvent struct {
	Resource struct {
		StartTime time.Time `json:"start_time"`
		Status    string    `json:"status"`
	} `json:"resource"`
}

// ResolveEventTime returns the start time of the event behind eventURL.
func (c *CalendlyClient) ResolveEventTime(ctx context.Context, eventURL string) (time.Time, error) {
	id, err := EventUUID(eventURL)
	if err != nil {
		return time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/scheduled_events/"+url.PathEscape(id), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build calendly request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return time.Time{}, ErrEventNotFound
	case resp.StatusCode >= 500:
		return time.Time{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return time.Time{}, fmt.Errorf("calendly returned %d", resp.StatusCode)
	}

	var ev scheduledEvent
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode event: %v", ErrUnavailable, err)
	}
	if ev.Resource.Status == "canceled" || ev.Resource.StartTime.IsZero() {
		return time.Time{}, ErrEventNotFound
	}
	return ev.Resource.StartTime.UTC(), nil
}
