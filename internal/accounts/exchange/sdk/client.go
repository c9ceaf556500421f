// Package sdk implements a rate-limited, HMAC-signed REST client for a
// generic crypto-futures venue. One Client instance corresponds to one
// exchange account's credentials.
package sdk

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	rateLimitDelay   = 250 * time.Millisecond // venue allows ~4 req/s per account
	requestQueueSize = 100
)

// requestJob represents a pending call in the rate limiting queue.
type requestJob struct {
	method   string
	path     string
	params   map[string]interface{}
	resultCh chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// Client is a rate-limited, serially-queued HTTP client for one account's
// credentials. Every request - authenticated or not - passes through the
// same queue so that the venue's per-account rate limit is never exceeded,
// matching the request-queue worker pattern used for the Tradernet SDK.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
	once         sync.Once
}

// NewClient creates a Client and starts its rate-limiting worker goroutine.
func NewClient(baseURL, apiKey, apiSecret string, log zerolog.Logger) *Client {
	c := &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.With().Str("component", "exchange-sdk").Logger(),

		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}

	go c.worker()
	return c
}

// Close gracefully drains the queue and stops the worker.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.stopChan)
		close(c.requestQueue)
		<-c.workerDone
	})
}

// Do enqueues an authenticated request and blocks until the worker has
// completed it. It fails at once if the client is closed or the request
// queue is full.
func (c *Client) Do(method, path string, params map[string]interface{}) (json.RawMessage, error) {
	resultCh := make(chan requestResult, 1)
	job := requestJob{method: method, path: path, params: params, resultCh: resultCh}

	select {
	case c.requestQueue <- job:
	case <-c.stopChan:
		return nil, fmt.Errorf("exchange client is closed")
	default:
		return nil, fmt.Errorf("exchange request queue is full")
	}

	result := <-resultCh
	return result.data, result.err
}

func (c *Client) worker() {
	defer close(c.workerDone)

	var lastRequestTime time.Time
	first := true

	process := func(job requestJob) {
		if !first {
			if elapsed := time.Since(lastRequestTime); elapsed < rateLimitDelay {
				time.Sleep(rateLimitDelay - elapsed)
			}
		}
		first = false

		data, err := c.doRequest(job.method, job.path, job.params)
		lastRequestTime = time.Now()
		job.resultCh <- requestResult{data: data, err: err}
	}

	for {
		select {
		case <-c.stopChan:
			for {
				select {
				case job, ok := <-c.requestQueue:
					if !ok {
						return
					}
					process(job)
				default:
					return
				}
			}
		case job, ok := <-c.requestQueue:
			if !ok {
				return
			}
			process(job)
		}
	}
}

func (c *Client) doRequest(method, path string, params map[string]interface{}) (json.RawMessage, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("exchange credentials not configured")
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request params: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := sign(c.apiSecret, timestamp+method+path+string(body))

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Venue-Key", c.apiKey)
	req.Header.Set("X-Venue-Timestamp", timestamp)
	req.Header.Set("X-Venue-Signature", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		truncated := string(respBody)
		if len(truncated) > 500 {
			truncated = truncated[:500] + "..."
		}
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("path", path).
			Str("response_body", truncated).
			Msg("venue returned non-200 status")
		return nil, fmt.Errorf("venue returned status %d: %s", resp.StatusCode, truncated)
	}

	return json.RawMessage(respBody), nil
}

// sign computes the HMAC-SHA256 signature over message using secret,
// hex-encoded, following the timestamp+method+path+body convention common
// to REST futures venues.
func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
