package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"
)

// Client reads the relay's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Source selects which room view ListRooms reads.
type Source string

const (
	SourceLocal    Source = "local"
	SourcePresence Source = "presence"
)

type RoomList struct {
	Rooms  []domain.RoomSnapshot `json:"rooms"`
	Count  int                   `json:"count"`
	Source Source                `json:"source"`
}

type RoomDetail struct {
	Room        domain.RoomSnapshot `json:"room"`
	ViewerCount int                 `json:"viewerCount"`
}

func (c *Client) ListRooms(ctx context.Context, source Source) (*RoomList, error) {
	path := "/api/v1/rooms"
	if source != "" {
		path += "?source=" + url.QueryEscape(string(source))
	}
	var out RoomList
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID domain.RoomID) (*RoomDetail, error) {
	var out RoomDetail
	if err := c.get(ctx, "/api/v1/rooms/"+url.PathEscape(string(roomID)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RTCConfig(ctx context.Context) (*domain.RTCConfig, error) {
	var out domain.RTCConfig
	if err := c.get(ctx, "/api/v1/rtc-config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Qualities(ctx context.Context) ([]domain.QualityTier, error) {
	var out struct {
		Qualities []domain.QualityTier `json:"qualities"`
	}
	if err := c.get(ctx, "/api/v1/qualities", &out); err != nil {
		return nil, err
	}
	return out.Qualities, nil
}

func (c *Client) Stats(ctx context.Context) (*domain.RegistryStats, error) {
	var out domain.RegistryStats
	if err := c.get(ctx, "/api/v1/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return parseResponse(resp, out)
}

// parseResponse decodes a success body into out and an error body into an
// *apperrors.AppError carrying the server's code.
func parseResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errorResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error != "" {
			return apperrors.NewAppError(apperrors.ErrorCode(errorResp.Error), errorResp.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}
