package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"auxite/internal/config"
	"auxite/internal/metrics"
	"auxite/internal/ratelimit"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Call describes one backend request.
type Call struct {
	Method   string
	Endpoint string
	Query    map[string]string
	Body     any
	Category ratelimit.Category
}

// Response is the normalized result of a backend call. Every failure, local or remote,
// is reported here; Request never returns an error.
type Response struct {
	Success bool
	Data    json.RawMessage
	Error   string
	Status  int

	// RateLimited is set when the call never left the client.
	RateLimited bool
	RetryAfter  time.Duration
}

// BackendError is a failed backend call.
type BackendError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Endpoint, e.Message, e.Status)
}

// Err converts a failed response into *ratelimit.RejectedError or *BackendError.
func (r Response) Err(call Call) error {
	if r.Success {
		return nil
	}
	if r.RateLimited {
		return &ratelimit.RejectedError{Category: call.Category, RetryAfter: r.RetryAfter}
	}
	return &BackendError{Endpoint: call.Endpoint, Status: r.Status, Message: r.Error}
}

// Client is the single place that talks HTTP to the backend.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Client for the configured base URL. limiter may be nil to disable
// local rate limiting.
func New(cfg config.APIConfig, limiter *ratelimit.Limiter, logger *slog.Logger, m *metrics.Metrics) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.AuthToken != "" {
		rc.SetAuthToken(cfg.AuthToken)
	}
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	return &Client{http: rc, limiter: limiter, logger: logger, metrics: m}
}

type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// Request performs the call and normalizes the outcome.
func (c *Client) Request(ctx context.Context, call Call) (resp Response) {
	if call.Method == "" {
		call.Method = http.MethodGet
	}
	if call.Category == "" {
		call.Category = ratelimit.General
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("APIClient: request panicked", "endpoint", call.Endpoint, "panic", r)
			resp = Response{Error: fmt.Sprintf("internal error: %v", r)}
		}
		c.metrics.APIRequest(call.Endpoint, outcome(resp))
	}()

	if c.limiter != nil {
		if d := c.limiter.Check(call.Category); !d.Allowed {
			c.logger.Warn("APIClient: rate limited locally",
				"endpoint", call.Endpoint,
				"category", call.Category,
				"retryAfter", d.RetryAfter,
			)
			return Response{Error: "rate limited", RateLimited: true, RetryAfter: d.RetryAfter}
		}
	}

	requestID := uuid.NewString()
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	if len(call.Query) > 0 {
		req.SetQueryParams(call.Query)
	}
	if call.Body != nil {
		req.SetBody(call.Body)
	}

	start := time.Now()
	res, err := req.Execute(call.Method, call.Endpoint)
	if err != nil {
		c.logger.Error("APIClient: request failed", "endpoint", call.Endpoint, "requestId", requestID, "error", err)
		return Response{Error: err.Error()}
	}

	resp = parse(res.StatusCode(), res.Body())
	c.logger.Debug("APIClient: response",
		"endpoint", call.Endpoint,
		"requestId", requestID,
		"status", resp.Status,
		"success", resp.Success,
		"duration", time.Since(start),
	)
	return resp
}

func parse(status int, body []byte) Response {
	resp := Response{Status: status}
	ok := status >= 200 && status < 300

	var env envelope
	validJSON := len(body) > 0 && json.Valid(body)
	if validJSON {
		resp.Data = json.RawMessage(body)
		// Non-object bodies simply carry no envelope.
		_ = json.Unmarshal(body, &env)
	}

	switch {
	case !ok:
		resp.Error = env.Error
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("HTTP %d", status)
		}
	case len(body) > 0 && !validJSON:
		resp.Error = "invalid JSON response"
	case env.Success != nil && !*env.Success:
		resp.Error = env.Error
		if resp.Error == "" {
			resp.Error = "request failed"
		}
	default:
		resp.Success = true
	}
	return resp
}

func outcome(r Response) string {
	switch {
	case r.Success:
		return "ok"
	case r.RateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// restyLogger routes resty's internal messages into slog.
type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug(fmt.Sprintf(format, v...)) }
