package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Typed failures the callers branch on. Transport errors are wrapped and
// retried internally; these surface after retries are exhausted or when
// retrying is pointless.
var (
	ErrAuth        = errors.New("exchange: authentication rejected")
	ErrRateLimited = errors.New("exchange: rate limited")
	ErrNotFound    = errors.New("exchange: not found")
	ErrRejected    = errors.New("exchange: rejected by venue")
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
	maxAttempts    = 3
)

type Config struct {
	Host      string // e.g. https://api.venue.example
	APIKey    string
	APISecret string
	Timeout   time.Duration // per-call; defaults to 30s
}

// Client is the one outbound venue client. Every call is signed with
// HMAC-SHA256 over the query string; the signature is the final query
// parameter and the timestamp is drawn from our clock with the cached
// server-time offset applied.
type Client struct {
	cfg  Config
	http *http.Client

	mu           sync.Mutex
	timeOffsetMS int64
	offsetSynced bool
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

const codeOK = "000000"

// Ping verifies connectivity and primes the server-time offset. Called
// once on boot; failure means exit code 3.
func (c *Client) Ping(ctx context.Context) error {
	return c.syncServerTime(ctx)
}

// syncServerTime fetches the venue clock and caches the offset so signed
// timestamps survive local clock drift.
func (c *Client) syncServerTime(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/api/v1/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("server time: decode: %w", err)
	}

	c.mu.Lock()
	c.timeOffsetMS = body.ServerTime - time.Now().UnixMilli()
	c.offsetSynced = true
	c.mu.Unlock()

	log.Printf("[Exchange] Server time synced, offset %dms", body.ServerTime-time.Now().UnixMilli())
	return nil
}

func (c *Client) venueNowMS(ctx context.Context) int64 {
	c.mu.Lock()
	synced := c.offsetSynced
	offset := c.timeOffsetMS
	c.mu.Unlock()

	if !synced {
		if err := c.syncServerTime(ctx); err != nil {
			log.Printf("[Exchange] Time sync failed, signing with local clock: %v", err)
		}
		c.mu.Lock()
		offset = c.timeOffsetMS
		c.mu.Unlock()
	}
	return time.Now().UnixMilli() + offset
}

// sign builds the canonical query string: sorted params, then timestamp,
// then the hex HMAC-SHA256 signature as the final parameter.
func (c *Client) sign(params url.Values, timestampMS int64) string {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if query != "" {
		query += "&"
	}
	query += "timestamp=" + strconv.FormatInt(timestampMS, 10)

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// call performs one signed request with retry. Transport errors and 5xx
// retry with exponential backoff; rate limits retry at double interval;
// auth failures surface immediately.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		err := c.callOnce(ctx, method, path, params, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) {
			return err
		}
		if errors.Is(err, ErrRateLimited) {
			// Back off harder than for plain transport failures.
			delay *= 2
		}
		lastErr = err
	}
	return fmt.Errorf("%s %s: %w", method, path, lastErr)
}

func (c *Client) callOnce(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	signedQuery := c.sign(params, c.venueNowMS(ctx))
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path+"?"+signedQuery, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("transport: venue returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != codeOK {
		return classifyCode(env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// classifyCode maps venue error codes onto the typed failures.
func classifyCode(code, message string) error {
	switch code {
	case "100401", "100002": // bad signature / expired timestamp
		return fmt.Errorf("%w: %s (%s)", ErrAuth, message, code)
	case "100429":
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	case "100404":
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case "100403": // price outside allowed band, release policy, etc.
		return fmt.Errorf("%w: %s (%s)", ErrRejected, message, code)
	default:
		return fmt.Errorf("venue error %s: %s", code, message)
	}
}
