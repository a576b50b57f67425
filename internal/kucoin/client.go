// Package kucoin is a signed REST client for KuCoin futures.
package kucoin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"tradegate/internal/errclass"
	ratemetric "tradegate/internal/metrics/rate"
	"tradegate/logger"
)

const (
	exchangeName   = "kucoin"
	defaultBaseURL = "https://api-futures.kucoin.com"
	successCode    = "200000"
	maxBodyBytes   = 8 << 20
)

// Client talks to the KuCoin futures REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log

	timeOffsetMs atomic.Int64
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithCredentials(key, secret, passphrase string) Option {
	return func(c *Client) {
		c.apiKey, c.apiSecret, c.passphrase = key, secret, passphrase
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(log *logger.Log) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		log:        logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasCredentials reports whether private endpoints can be called.
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.passphrase != ""
}

// SetTimeOffset records serverTime - localTime so signatures use exchange time.
func (c *Client) SetTimeOffset(d time.Duration) {
	c.timeOffsetMs.Store(d.Milliseconds())
}

func (c *Client) timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli()+c.timeOffsetMs.Load(), 10)
}

func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do performs one request. Exchange-side failures come back as *errclass.APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	if signed && !c.HasCredentials() {
		return errclass.Fatal(errors.New("kucoin: api credentials not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := c.timestamp()
		req.Header.Set("KC-API-KEY", c.apiKey)
		req.Header.Set("KC-API-SIGN", c.sign(ts+method+requestPath+string(payload)))
		req.Header.Set("KC-API-TIMESTAMP", ts)
		req.Header.Set("KC-API-PASSPHRASE", c.sign(c.passphrase))
		req.Header.Set("KC-API-KEY-VERSION", "2")
	}

	start := time.Now()
	logger.IncrementRestCall()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.IncrementRestFailure()
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	quota := ratemetric.ParseKucoinQuota(resp.Header)
	ratemetric.ReportKucoinRESTWeight(c.log, quota, path)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.IncrementRestFailure()
		return fmt.Errorf("read %s response: %w", path, err)
	}
	logger.ObserveLatency(c.log.WithComponent("kucoin_rest"), "kucoin_rest", path, time.Since(start), logger.Fields{"method": method})

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || env.Code != successCode {
		logger.IncrementRestFailure()
		msg := strings.TrimSpace(env.Msg)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
			if len(msg) > 512 {
				msg = msg[:512]
			}
		}
		if resp.StatusCode == http.StatusOK && decodeErr != nil {
			return fmt.Errorf("decode %s response: %w", path, decodeErr)
		}
		opts := []errclass.Option{
			errclass.WithHTTP(resp.StatusCode),
			errclass.WithCode(env.Code),
			errclass.WithMessage(msg),
			errclass.WithEndpoint(method + " " + path),
		}
		if resp.StatusCode == http.StatusTooManyRequests || env.Code == "429000" {
			opts = append(opts, errclass.WithRetryAfter(quota.Reset))
		}
		ratemetric.ReportLimit(c.log, exchangeName, query.Get("symbol"), path, msg)
		return errclass.NewAPIError(exchangeName, opts...)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
