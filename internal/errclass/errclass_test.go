package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kucoinErr(http int, code, msg string) error {
	return NewAPIError("kucoin", WithHTTP(http), WithCode(code), WithMessage(msg), WithEndpoint("/api/v1/orders"))
}

func TestClassifyAPIErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		kind       Kind
		retryable  bool
		terminal   bool
		noPosition bool
	}{
		{"http 429", kucoinErr(429, "", "Too Many Requests"), RateLimited, true, false, false},
		{"rate code", kucoinErr(200, "429000", "Too many requests in a short period of time"), RateLimited, true, false, false},
		{"bad signature", kucoinErr(401, "400005", "Invalid KC-API-SIGN"), AuthFailure, false, true, false},
		{"frozen", kucoinErr(200, "411100", "User is frozen"), AuthFailure, false, true, false},
		{"no position", kucoinErr(200, "300009", "No open positions to close."), RejectedOrder, false, false, true},
		{"insufficient", kucoinErr(200, "300003", "Balance insufficient"), InsufficientFunds, false, false, false},
		{"insufficient text", kucoinErr(200, "300000", "margin is not enough"), InsufficientFunds, false, false, false},
		{"rejected", kucoinErr(200, "300000", "Order price cannot be higher than 1.05x"), RejectedOrder, false, false, false},
		{"server", kucoinErr(502, "", "Bad Gateway"), ServerError, true, false, false},
		{"system code", kucoinErr(200, "500000", "Internal Server Error"), ServerError, true, false, false},
		{"bad param", kucoinErr(400, "400100", "Parameter error"), BadRequest, false, false, false},
		{"not found", kucoinErr(404, "", "Not Found"), BadRequest, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.kind, c.Kind, c.Kind.String())
			assert.Equal(t, tc.retryable, c.Retryable)
			assert.Equal(t, tc.terminal, c.Terminal)
			assert.Equal(t, tc.noPosition, c.NoPosition)
			assert.Same(t, tc.err, c.Err)
		})
	}
}

func TestClassifyWrappedAPIError(t *testing.T) {
	inner := kucoinErr(200, "300009", "position does not exist")
	c := Classify(fmt.Errorf("close XBTUSDTM: %w", inner))
	assert.Equal(t, RejectedOrder, c.Kind)
	assert.True(t, c.NoPosition)
}

func TestClassifyRetryAfterHint(t *testing.T) {
	err := NewAPIError("kucoin", WithHTTP(429), WithRetryAfter(1500*time.Millisecond))
	c := Classify(err)
	require.Equal(t, RateLimited, c.Kind)
	assert.Equal(t, 1500*time.Millisecond, c.RetryAfter)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyTransportErrors(t *testing.T) {
	assert.Equal(t, Network, Classify(timeoutErr{}).Kind)
	assert.Equal(t, Network, Classify(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)).Kind)
	assert.Equal(t, Network, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, Network, Classify(errors.New("dial tcp: connection refused")).Kind)
	assert.Equal(t, Unknown, Classify(context.Canceled).Kind)
	assert.Equal(t, Unknown, Classify(errors.New("something odd")).Kind)
	assert.Equal(t, RateLimited, Classify(errors.New("429 Too Many Requests")).Kind)
}

func TestFatal(t *testing.T) {
	err := Fatal(errors.New("bad credentials"))
	require.ErrorIs(t, err, ErrFatal)
	c := Classify(err)
	assert.Equal(t, AuthFailure, c.Kind)
	assert.True(t, c.Terminal)
	assert.Nil(t, Fatal(nil))
	assert.Equal(t, err, Fatal(err))
}

func TestAPIErrorMessage(t *testing.T) {
	err := NewAPIError("kucoin", WithHTTP(400), WithCode("400100"), WithMessage(" bad size "), WithEndpoint("/api/v1/orders"))
	assert.Equal(t, "kucoin: /api/v1/orders: http 400: code 400100: bad size", err.Error())
	assert.Equal(t, "exchange: error", NewAPIError("").Error())
}

func TestPolicyFor(t *testing.T) {
	s := DefaultSettings()

	p := PolicyFor(Network, false, s)
	assert.True(t, p.Retryable)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 9, PolicyFor(Network, true, s).MaxAttempts)

	for _, k := range []Kind{InsufficientFunds, RejectedOrder, BadRequest, AuthFailure, Unknown} {
		p := PolicyFor(k, true, s)
		assert.False(t, p.Retryable, k.String())
		assert.Equal(t, 1, p.MaxAttempts, k.String())
	}

	sp := PolicyFor(ServerError, false, s)
	assert.False(t, sp.Exponential)
	assert.Equal(t, time.Second, sp.Delay(5))
}

func TestPolicyDelayCapped(t *testing.T) {
	p := PolicyFor(Network, false, DefaultSettings())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i), "attempt %d", i)
	}
}
