// Package upstream talks to the streaming platform's REST API: live status
// for the reconciliation poller, archived VODs for post-hoc session
// correlation, and the OAuth endpoints behind both app and bot tokens.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Client calls the platform REST API with an app access token. A zero
// BaseURL targets production; tests point it at a mock server.
type Client struct {
	BaseURL     string
	ClientID    string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
}

// NewClient builds a Client from TWITCH_* environment configuration.
func NewClient() *Client {
	id := os.Getenv("TWITCH_CLIENT_ID")
	c := &Client{
		ClientID:    id,
		TokenSource: AppTokenSource(id, os.Getenv("TWITCH_CLIENT_SECRET")),
	}
	if v := os.Getenv("TWITCH_API_URL"); v != "" {
		c.BaseURL = strings.TrimSuffix(v, "/")
	}
	return c
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultAPIURL
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	tok, err := c.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("upstream %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (c *Client) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found: %s", login)
	}
	return body.Data[0].ID, nil
}

// ChannelStatus is one channel's live report. Live carries the raw decoded
// JSON value: upstream feeds disagree on its type (bool, number, string, or
// absent entirely), so interpretation is left to the caller.
type ChannelStatus struct {
	BroadcasterID    string
	Channel          string
	Live             any
	Title            string
	ThumbnailURL     string
	ExternalStreamID string
	ViewerCount      int
	StartedAt        time.Time
}

// GetChannelStatus reports whether a channel is currently broadcasting,
// plus the stream metadata when it is. A channel with no stream entry
// returns a status with a nil Live flag.
func (c *Client) GetChannelStatus(ctx context.Context, channel string) (*ChannelStatus, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	q := url.Values{}
	q.Set("user_login", channel)
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			UserID       string `json:"user_id"`
			IsLive       any    `json:"is_live"`
			Type         any    `json:"type"`
			Title        string `json:"title"`
			ViewerCount  int    `json:"viewer_count"`
			StartedAt    string `json:"started_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	st := &ChannelStatus{Channel: channel}
	if len(body.Data) == 0 {
		return st, nil
	}
	d := body.Data[0]
	st.BroadcasterID = d.UserID
	st.Live = d.IsLive
	if st.Live == nil {
		st.Live = d.Type
	}
	st.Title = d.Title
	st.ThumbnailURL = thumbnailSize.Replace(d.ThumbnailURL)
	st.ExternalStreamID = d.ID
	st.ViewerCount = d.ViewerCount
	if t, err := time.Parse(time.RFC3339, d.StartedAt); err == nil {
		st.StartedAt = t.UTC()
	}
	return st, nil
}

// VOD is one published archive video.
type VOD struct {
	ID              string
	StreamID        string
	UserID          string
	Title           string
	ThumbnailURL    string
	CreatedAt       time.Time
	DurationSeconds int
}

// ListVideos pages through a user's archive videos. after is the pagination
// cursor from a previous call, empty for the first page.
func (c *Client) ListVideos(ctx context.Context, userID, after string, first int) ([]VOD, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			StreamID     string `json:"stream_id"`
			UserID       string `json:"user_id"`
			Title        string `json:"title"`
			Duration     string `json:"duration"`
			CreatedAt    string `json:"created_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := c.get(ctx, "/videos", q, &body); err != nil {
		return nil, "", err
	}
	out := make([]VOD, 0, len(body.Data))
	for _, v := range body.Data {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		out = append(out, VOD{
			ID:              v.ID,
			StreamID:        v.StreamID,
			UserID:          v.UserID,
			Title:           v.Title,
			ThumbnailURL:    thumbnailSize.Replace(v.ThumbnailURL),
			CreatedAt:       created.UTC(),
			DurationSeconds: parseUpstreamDuration(v.Duration),
		})
	}
	return out, body.Pagination.Cursor, nil
}

// ListVODs returns the newest published archives for a channel login.
func (c *Client) ListVODs(ctx context.Context, channel string, limit int) ([]VOD, error) {
	userID, err := c.GetUserID(ctx, channel)
	if err != nil {
		return nil, err
	}
	vods, _, err := c.ListVideos(ctx, userID, "", limit)
	return vods, err
}

// Thumbnail URLs arrive as size templates: %{width} on videos, {width} on
// live streams.
var thumbnailSize = strings.NewReplacer(
	"%{width}", "640", "%{height}", "360",
	"{width}", "640", "{height}", "360",
)

// parseUpstreamDuration parses the API duration format ("3h15m42s") into
// seconds.
func parseUpstreamDuration(s string) int {
	total, n := 0, 0
	pending := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			pending = true
			continue
		}
		if !pending {
			continue
		}
		switch r {
		case 'd':
			total += n * 86400
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		n, pending = 0, false
	}
	return total
}
