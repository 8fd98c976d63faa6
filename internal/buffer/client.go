package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Buffer v1 API root.
const DefaultBaseURL = "https://api.bufferapp.com/1"

// maxErrorBody bounds how much of an error response is kept in the error message.
const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string
	ProfileID   string
	Timeout     time.Duration
	// MinInterval spaces consecutive requests; zero means one request per second
	MinInterval time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to the Buffer HTTP API.
type Client struct {
	baseURL   string
	token     string
	profileID string
	timeout   time.Duration
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient creates a Buffer API client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.AccessToken,
		profileID: opts.ProfileID,
		timeout:   opts.Timeout,
		http:      opts.HTTPClient,
		limiter:   rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		logger:    opts.Logger,
	}
}

type createResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Updates []struct {
		ID string `json:"id"`
	} `json:"updates"`
}

// Schedule implements Scheduler by creating a Buffer update for the configured profile.
func (c *Client) Schedule(ctx context.Context, text string, scheduledTime time.Time, media []string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "rate limit wait", Cause: err}
	}

	form := url.Values{}
	form.Set("profile_ids[]", c.profileID)
	form.Set("text", text)
	form.Set("scheduled_at", strconv.FormatInt(scheduledTime.Unix(), 10))
	if len(media) > 0 && media[0] != "" {
		form.Set("media[photo]", media[0])
		form.Set("media[thumbnail]", media[0])
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/updates/create.json", strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, &Error{Kind: KindValidation, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	var parsed createResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, &Error{Kind: KindRemote, StatusCode: resp.StatusCode, Message: "invalid response JSON", Cause: err}
	}
	if !parsed.Success {
		return Result{}, &Error{Kind: KindValidation, StatusCode: resp.StatusCode, Message: parsed.Message}
	}
	if len(parsed.Updates) == 0 || parsed.Updates[0].ID == "" {
		return Result{}, &Error{Kind: KindRemote, StatusCode: resp.StatusCode, Message: "response has no update id"}
	}

	c.logger.Debug("buffer update created",
		"event", "buffer_update_created", "component", "buffer",
		"remote_id", parsed.Updates[0].ID, "scheduled_at", scheduledTime.Format(time.RFC3339))

	return Result{
		RemoteID:    parsed.Updates[0].ID,
		ScheduledAt: scheduledTime,
	}, nil
}

// errorMessage prefers the service's "message" field and falls back to the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

// IsKind reports whether err is a buffer Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var bufErr *Error
	return errors.As(err, &bufErr) && bufErr.Kind == kind
}

var (
	_ Scheduler = (*Client)(nil)
	_ Scheduler = (*MockScheduler)(nil)
)
