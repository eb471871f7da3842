// Package extraction talks to the asynchronous boundary-extraction service:
// it negotiates a per-submission session, starts extraction jobs, recovers
// from rate limiting, and polls jobs to completion.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/osmtools/pbf-ingester/service"
	"github.com/osmtools/pbf-ingester/service/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultStartURL is the extraction start endpoint
	DefaultStartURL = "https://app.protomaps.com/downloads/osm"
	// DefaultDownloadURLTemplate is the artifact download endpoint,
	// templated with the job uuid
	DefaultDownloadURLTemplate = "https://app.protomaps.com/downloads/%s/download"

	defaultUserAgent   = "pbf-ingester (github.com/osmtools/pbf-ingester)"
	defaultCooldown    = time.Minute
	defaultMaxAttempts = 10
	defaultTimeout     = 30 * time.Second

	csrfCookieName = "csrftoken"
)

// ErrRateLimited is the recoverable submission error
var ErrRateLimited = errors.New("rate limited")

// MalformedResponseError is returned when a successful submission response
// carries no job identifier or status url
type MalformedResponseError struct {
	Body []byte
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed extraction response: %s", e.Body)
}

// ExhaustedError is returned when the rate-limit recovery loop runs out of
// attempts
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("submission failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Job is an extraction job started by Submit and driven by the Poller
type Job struct {
	UUID      string
	StatusURL string
}

// Config of the extraction Client
type Config struct {
	StartURL            string
	DownloadURLTemplate string
	UserAgent           string
	// Cooldown is the base wait after a rate-limited submission; the actual
	// wait grows exponentially with jitter on every retry
	Cooldown time.Duration
	// MaxAttempts bounds the rate-limit recovery loop
	MaxAttempts int
	// SubmitInterval, if positive, enforces a minimum delay between two
	// submissions to stay below the service rate limit
	SubmitInterval time.Duration
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartURL == "" {
		c.StartURL = DefaultStartURL
	}
	if c.DownloadURLTemplate == "" {
		c.DownloadURLTemplate = DefaultDownloadURLTemplate
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Client submits extraction jobs
type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

// NewClient creates an extraction client
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.SubmitInterval > 0 {
		limit = rate.Every(cfg.SubmitInterval)
	}
	return &Client{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// DownloadURL returns the artifact endpoint of the job
func (c *Client) DownloadURL(job Job) string {
	return fmt.Sprintf(c.cfg.DownloadURLTemplate, job.UUID)
}

// Session is the scoped resource backing one successful submission: a cookie
// jar holding the session cookies and the anti-forgery token negotiated with
// the initial GET. A fresh session is acquired for every submission attempt.
type Session struct {
	client    *http.Client
	token     string
	userAgent string
}

// Get performs a GET with the session cookies attached
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("Get.NewRequest: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	return s.client.Do(req)
}

// Submit starts an extraction job for the boundary, named by the geometry
// hash. On a rate-limit indication it waits (exponential backoff with
// jitter, starting at Cooldown) and resubmits with a freshly negotiated
// session, up to MaxAttempts times. Any other non-2xx response is fatal.
func (c *Client) Submit(ctx context.Context, boundary geom.Geometry, hash string) (*Session, Job, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"region": map[string]interface{}{"type": "geojson", "data": geojson.Geometry{Geometry: boundary}},
		"name":   hash,
	})
	if err != nil {
		return nil, Job{}, fmt.Errorf("Submit.Marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			cooldown := service.Backoff(c.cfg.Cooldown, attempt-1)
			log.Logger(ctx).Sugar().Warnf("rate limited, resubmitting in %v", cooldown)
			if err := service.Sleep(ctx, cooldown); err != nil {
				return nil, Job{}, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, Job{}, err
		}

		sess, err := c.newSession(ctx)
		if err != nil {
			return nil, Job{}, fmt.Errorf("Submit.%w", err)
		}
		job, rateLimited, err := c.startExtraction(ctx, sess, payload)
		if err != nil {
			return nil, Job{}, fmt.Errorf("Submit.%w", err)
		}
		if rateLimited {
			lastErr = ErrRateLimited
			continue
		}
		return sess, job, nil
	}
	return nil, Job{}, service.MakeTemporary(&ExhaustedError{Attempts: c.cfg.MaxAttempts, Last: lastErr})
}

// newSession GETs the start endpoint to obtain the anti-forgery token
func (c *Client) newSession(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("newSession.CookieJar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: c.cfg.Timeout}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.StartURL, nil)
	if err != nil {
		return nil, fmt.Errorf("newSession.NewRequest: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newSession.Get: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("newSession[%s]: %s", c.cfg.StartURL, resp.Status)
	}

	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == csrfCookieName {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil, fmt.Errorf("newSession[%s]: no %s cookie", c.cfg.StartURL, csrfCookieName)
	}
	return &Session{client: client, token: token, userAgent: c.cfg.UserAgent}, nil
}

// startExtraction POSTs the boundary payload with the session token attached
// as both cookie (via the jar) and header
func (c *Client) startExtraction(ctx context.Context, sess *Session, payload []byte) (Job, bool, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.StartURL, bytes.NewReader(payload))
	if err != nil {
		return Job{}, false, fmt.Errorf("startExtraction.NewRequest: %w", err)
	}
	req.Header.Set("Referer", c.cfg.StartURL)
	req.Header.Set("X-CSRFToken", sess.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := sess.client.Do(req)
	if err != nil {
		return Job{}, false, fmt.Errorf("startExtraction.Post: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, false, fmt.Errorf("startExtraction.ReadAll: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Job{}, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Job{}, false, service.MakeFatal(fmt.Errorf("startExtraction[%s]: %s: %s", c.cfg.StartURL, resp.Status, body))
	}

	result := struct {
		UUID   string   `json:"uuid"`
		URL    string   `json:"url"`
		Errors []string `json:"errors"`
	}{}
	if err := json.Unmarshal(body, &result); err != nil {
		return Job{}, false, fmt.Errorf("startExtraction.Unmarshal [%s]: %w", body, err)
	}
	for _, e := range result.Errors {
		if strings.Contains(e, "rate limited") {
			return Job{}, true, nil
		}
	}
	if result.UUID == "" || result.URL == "" {
		log.Logger(ctx).Sugar().Warnf("startExtraction: unexpected response: %s", body)
		return Job{}, false, &MalformedResponseError{Body: body}
	}
	return Job{UUID: result.UUID, StatusURL: result.URL}, false, nil
}
