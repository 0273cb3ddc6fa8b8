package publish

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Status is the processing state reported for a media container
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusExpired  Status = "EXPIRED"
	StatusAPIError Status = "API_ERROR"
)

// ErrProcessingTimeout is returned when the container never reaches a
// terminal state within the polling budget. Distinct from a remote-reported
// processing failure.
var ErrProcessingTimeout = errors.New("video processing timed out")

const (
	defaultBaseURL      = "https://graph.facebook.com/v20.0"
	defaultPollInterval = 15 * time.Second
	defaultPollAttempts = 12
)

// ClientConfig defines configuration for the Graph API client
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	AppSecret   string
	AccountID   string

	// PollInterval and MaxPollAttempts bound the processing wait
	// (defaults: 15s x 12, about three minutes).
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Client drives the three-step reel publishing workflow against the Graph
// API: create a media container from a fetchable URL, poll its processing
// status, then publish it.
type Client struct {
	logger   *zap.Logger
	cfg      ClientConfig
	http     *http.Client
	exposure Provider
}

// AccountInfo is the result of a connection test
type AccountInfo struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	MediaCount     int    `json:"media_count"`
	FollowersCount int    `json:"followers_count"`
}

// PublishingLimit reports daily content publishing quota usage
type PublishingLimit struct {
	Data []struct {
		QuotaUsage int `json:"quota_usage"`
	} `json:"data"`
}

// NewClient creates a Graph API client using the given exposure provider
func NewClient(cfg ClientConfig, exposure Provider, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = defaultPollAttempts
	}

	return &Client{
		logger:   logger,
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		exposure: exposure,
	}
}

// PostReel runs the complete publishing workflow for a local video file.
// The exposure acquired for the video directory is torn down on every exit
// path: success, remote rejection, timeout, or context cancellation.
func (c *Client) PostReel(ctx context.Context, videoPath, caption string) (string, error) {
	c.logger.Info("Starting reel publishing workflow", zap.String("video_path", videoPath))

	lease, err := c.exposure.Expose(ctx, filepath.Dir(videoPath))
	if err != nil {
		return "", fmt.Errorf("failed to expose video: %w", err)
	}
	defer func() {
		if err := lease.Teardown(); err != nil {
			c.logger.Warn("Exposure teardown failed", zap.Error(err))
		}
	}()

	videoURL := lease.BaseURL + "/" + url.PathEscape(filepath.Base(videoPath))
	containerID, err := c.CreateContainer(ctx, videoURL, caption)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		status, err := c.ContainerStatus(ctx, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("Container status check failed",
				zap.String("container_id", containerID),
				zap.Error(err))
			status = StatusAPIError
		}

		switch status {
		case StatusFinished:
			c.logger.Info("Video processing finished", zap.String("container_id", containerID))
			return c.Publish(ctx, containerID)
		case StatusError, StatusExpired:
			return "", fmt.Errorf("container processing failed with status %s", status)
		}

		c.logger.Info("Waiting for video processing",
			zap.String("container_id", containerID),
			zap.String("status", string(status)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxPollAttempts))

		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", ErrProcessingTimeout
}

// CreateContainer creates a media container for a publicly fetchable video
// URL. A rejection here is fatal; the workflow does not retry it.
func (c *Client) CreateContainer(ctx context.Context, videoURL, caption string) (string, error) {
	params := url.Values{}
	params.Set("media_type", "REELS")
	params.Set("video_url", videoURL)
	params.Set("caption", caption)

	body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/media", c.cfg.AccountID), params)
	if err != nil {
		return "", fmt.Errorf("container creation request failed: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("container creation rejected: %s", graphErrorMessage(body))
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("container creation returned no id")
	}

	c.logger.Info("Created media container", zap.String("container_id", resp.ID))
	return resp.ID, nil
}

// ContainerStatus polls the processing state of a container
func (c *Client) ContainerStatus(ctx context.Context, containerID string) (Status, error) {
	params := url.Values{}
	params.Set("fields", "status_code,status")

	body, status, err := c.do(ctx, http.MethodGet, "/"+containerID, params)
	if err != nil {
		return StatusAPIError, err
	}
	if status != http.StatusOK {
		return StatusAPIError, nil
	}

	var resp struct {
		StatusCode Status `json:"status_code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusAPIError, fmt.Errorf("failed to parse container status: %w", err)
	}
	return resp.StatusCode, nil
}

// Publish publishes a finished container and returns the published media id
func (c *Client) Publish(ctx context.Context, containerID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", containerID)

	body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/media_publish", c.cfg.AccountID), params)
	if err != nil {
		return "", fmt.Errorf("publish request failed: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("publish failed: %s", graphErrorMessage(body))
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", fmt.Errorf("publish returned no media id")
	}

	c.logger.Info("Media published", zap.String("media_id", resp.ID))
	return resp.ID, nil
}

// TestConnection fetches basic account fields to verify credentials
func (c *Client) TestConnection(ctx context.Context) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("fields", "id,username,media_count,followers_count")

	body, status, err := c.do(ctx, http.MethodGet, "/"+c.cfg.AccountID, params)
	if err != nil {
		return nil, fmt.Errorf("connection test failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("connection test rejected: %s", graphErrorMessage(body))
	}

	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse account info: %w", err)
	}
	return &info, nil
}

// ContentPublishingLimit fetches the daily publishing quota usage
func (c *Client) ContentPublishingLimit(ctx context.Context) (*PublishingLimit, error) {
	params := url.Values{}
	params.Set("fields", "quota_usage,config")

	body, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/content_publishing_limit", c.cfg.AccountID), params)
	if err != nil {
		return nil, fmt.Errorf("publishing limit request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("publishing limit rejected: %s", graphErrorMessage(body))
	}

	var limit PublishingLimit
	if err := json.Unmarshal(body, &limit); err != nil {
		return nil, fmt.Errorf("failed to parse publishing limit: %w", err)
	}
	return &limit, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, int, error) {
	params.Set("access_token", c.cfg.AccessToken)
	if proof := c.appSecretProof(); proof != "" {
		params.Set("appsecret_proof", proof)
	}

	var req *http.Request
	var err error
	endpoint := c.cfg.BaseURL + path
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// appSecretProof computes the HMAC-SHA256 proof the Graph API accepts for
// server-side calls. Empty when no app secret is configured.
func (c *Client) appSecretProof() string {
	if c.cfg.AppSecret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	mac.Write([]byte(c.cfg.AccessToken))
	return hex.EncodeToString(mac.Sum(nil))
}

func graphErrorMessage(body []byte) string {
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return string(body)
}
