// Package errclass maps exchange and transport failures onto the retry taxonomy.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tradegate/internal/metrics/rate"
)

// Kind is the classified category of a failure.
type Kind int

const (
	Unknown Kind = iota
	RateLimited
	Network
	InsufficientFunds
	RejectedOrder
	AuthFailure
	ServerError
	BadRequest
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Network:
		return "network"
	case InsufficientFunds:
		return "insufficient_funds"
	case RejectedOrder:
		return "rejected_order"
	case AuthFailure:
		return "auth_failure"
	case ServerError:
		return "server_error"
	case BadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// ErrFatal marks failures that no amount of retrying can fix.
var ErrFatal = errors.New("fatal exchange error")

// APIError is a failure reported by the exchange itself: an HTTP status, a
// venue business code, or both.
type APIError struct {
	Exchange   string
	HTTP       int
	Code       string
	Message    string
	Endpoint   string
	RetryAfter time.Duration

	cause error
}

// Option configures an APIError.
type Option func(*APIError)

func NewAPIError(exchange string, opts ...Option) *APIError {
	e := &APIError{Exchange: strings.TrimSpace(exchange)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithHTTP(status int) Option {
	return func(e *APIError) { e.HTTP = status }
}

func WithCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *APIError) { e.Code = trimmed }
}

func WithMessage(msg string) Option {
	trimmed := strings.TrimSpace(msg)
	return func(e *APIError) { e.Message = trimmed }
}

func WithEndpoint(endpoint string) Option {
	return func(e *APIError) { e.Endpoint = endpoint }
}

// WithRetryAfter records how long the exchange asked us to back off.
func WithRetryAfter(d time.Duration) Option {
	return func(e *APIError) { e.RetryAfter = d }
}

func WithCause(err error) Option {
	return func(e *APIError) { e.cause = err }
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Endpoint != "" {
		parts = append(parts, e.Endpoint)
	}
	if e.HTTP != 0 {
		parts = append(parts, "http "+strconv.Itoa(e.HTTP))
	}
	if e.Code != "" {
		parts = append(parts, "code "+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	prefix := e.Exchange
	if prefix == "" {
		prefix = "exchange"
	}
	if len(parts) == 0 {
		return prefix + ": error"
	}
	return prefix + ": " + strings.Join(parts, ": ")
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Classification is the verdict for a single failure.
type Classification struct {
	Kind      Kind
	Retryable bool
	// Terminal errors must propagate to the top of the calling loop.
	Terminal bool
	// NoPosition marks a close or cancel rejected because the position is
	// already gone. Callers treat it as the desired end state.
	NoPosition bool
	RetryAfter time.Duration
	Err        error
}

func classification(kind Kind, err error) Classification {
	c := Classification{Kind: kind, Err: err}
	switch kind {
	case RateLimited, Network, ServerError:
		c.Retryable = true
	case AuthFailure:
		c.Terminal = true
	}
	return c
}

// KuCoin futures business codes.
const (
	codeRateLimited      = "429000"
	codeNoPosition       = "300009"
	codeBalanceNotEnough = "300003"
	codeBadParameter     = "400100"
	codeSystemError      = "500000"
	codeFrozen           = "411100"
)

var authCodes = map[string]struct{}{
	"400001": {}, "400002": {}, "400003": {}, "400004": {},
	"400005": {}, "400006": {}, "400007": {}, codeFrozen: {},
}

// Classify maps err onto a Kind. A nil error yields the zero Classification.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if errors.Is(err, ErrFatal) {
		return classification(AuthFailure, err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c := classifyAPI(apiErr)
		c.Err = err
		return c
	}

	if errors.Is(err, context.Canceled) {
		return classification(Unknown, err)
	}
	if isNetwork(err) {
		return classification(Network, err)
	}
	return classifyMessage("", err)
}

func classifyAPI(e *APIError) Classification {
	msg := strings.ToLower(e.Message)

	if _, ok := authCodes[e.Code]; ok || e.HTTP == 401 || e.HTTP == 403 {
		return classification(AuthFailure, e)
	}
	rl, ban := rate.DetectLimit(e.Exchange, e.Message)
	if e.HTTP == 429 || e.Code == codeRateLimited || rl || ban {
		c := classification(RateLimited, e)
		c.RetryAfter = e.RetryAfter
		return c
	}
	if e.Code == codeNoPosition || isNoPositionMessage(msg) {
		c := classification(RejectedOrder, e)
		c.NoPosition = true
		return c
	}
	if e.Code == codeBalanceNotEnough || isInsufficientMessage(msg) {
		return classification(InsufficientFunds, e)
	}
	if e.HTTP >= 500 || e.Code == codeSystemError || (strings.HasPrefix(e.Code, "5") && len(e.Code) == 6) {
		return classification(ServerError, e)
	}
	if strings.HasPrefix(e.Code, "300") || strings.HasPrefix(e.Code, "330") || e.Code == "100001" {
		return classification(RejectedOrder, e)
	}
	if e.Code == codeBadParameter || (e.HTTP >= 400 && e.HTTP < 500) {
		return classification(BadRequest, e)
	}
	return classifyMessage(e.Exchange, e)
}

func classifyMessage(exchange string, err error) Classification {
	msg := strings.ToLower(err.Error())
	if rl, ban := rate.DetectLimit(exchange, msg); rl || ban {
		return classification(RateLimited, err)
	}
	switch {
	case isNoPositionMessage(msg):
		c := classification(RejectedOrder, err)
		c.NoPosition = true
		return c
	case isInsufficientMessage(msg):
		return classification(InsufficientFunds, err)
	case containsAny(msg, "timeout", "timed out", "connection reset", "connection refused", "broken pipe", "no such host", "eof"):
		return classification(Network, err)
	case containsAny(msg, "invalid api", "signature", "passphrase", "unauthorized"):
		return classification(AuthFailure, err)
	}
	return classification(Unknown, err)
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isNoPositionMessage(msg string) bool {
	return containsAny(msg, "no position", "position does not exist", "position not exist", "position is closed")
}

func isInsufficientMessage(msg string) bool {
	return containsAny(msg, "insufficient", "balance not enough", "not enough balance", "margin is not enough")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Fatal wraps err so that Classify reports AuthFailure and errors.Is(err, ErrFatal) holds.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
