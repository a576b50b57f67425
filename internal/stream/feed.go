// Package stream maintains one KuCoin futures public WebSocket connection and
// a staleness-aware store of the market data it delivers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	ratemetric "tradegate/internal/metrics/rate"
	"tradegate/logger"
	"tradegate/models"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Endpoint is the result of the token handshake.
type Endpoint struct {
	URL          string
	Token        string
	PingInterval time.Duration
}

// TokenFunc obtains a short-lived stream token over REST.
type TokenFunc func(ctx context.Context) (Endpoint, error)

// Options tunes the feed. Zero values fall back to DefaultOptions.
type Options struct {
	Heartbeat          time.Duration
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	MaxSubscriptions   int
	TickerFreshness    time.Duration
	CandleFreshness    time.Duration
	OrderBookFreshness time.Duration
	ErrorDedupWindow   time.Duration
	CandleMaxLength    int
	ReadBufferBytes    int
	HandshakeTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Heartbeat:          20 * time.Second,
		ReconnectBase:      5 * time.Second,
		ReconnectMax:       300 * time.Second,
		MaxSubscriptions:   100,
		TickerFreshness:    10 * time.Second,
		CandleFreshness:    2 * time.Minute,
		OrderBookFreshness: 5 * time.Second,
		ErrorDedupWindow:   60 * time.Second,
		CandleMaxLength:    500,
		HandshakeTimeout:   10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Heartbeat <= 0 {
		o.Heartbeat = d.Heartbeat
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = d.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = o.ReconnectBase
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = d.MaxSubscriptions
	}
	if o.TickerFreshness <= 0 {
		o.TickerFreshness = d.TickerFreshness
	}
	if o.CandleFreshness <= 0 {
		o.CandleFreshness = d.CandleFreshness
	}
	if o.OrderBookFreshness <= 0 {
		o.OrderBookFreshness = d.OrderBookFreshness
	}
	if o.ErrorDedupWindow <= 0 {
		o.ErrorDedupWindow = d.ErrorDedupWindow
	}
	if o.CandleMaxLength <= 0 {
		o.CandleMaxLength = d.CandleMaxLength
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	return o
}

var ErrAlreadyStarted = errors.New("stream feed already started")

// Feed owns one streaming connection. Reads never block on the network.
type Feed struct {
	token   TokenFunc
	opts    Options
	log     *logger.Log
	dialer  *websocket.Dialer
	tracker *ratemetric.KucoinWSWeightTracker
	now     func() time.Time

	state   atomic.Int32
	closing atomic.Bool
	started atomic.Bool

	subMu  sync.Mutex
	subs   map[string]Subscription
	topics []string

	connMu sync.Mutex
	conn   *websocket.Conn

	// bo is only touched by the connection goroutine.
	bo *backoff.ExponentialBackOff

	tickers *tickerStore
	candles *candleStore
	books   *bookStore
	errs    *errorDeduper

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewFeed(token TokenFunc, opts Options, log *logger.Log) *Feed {
	if log == nil {
		log = logger.GetLogger()
	}
	opts = opts.withDefaults()
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = opts.HandshakeTimeout
	if opts.ReadBufferBytes > 0 {
		dialer.ReadBufferSize = opts.ReadBufferBytes
	}
	return &Feed{
		token:   token,
		opts:    opts,
		log:     log,
		dialer:  &dialer,
		tracker: ratemetric.NewKucoinWSWeightTracker(),
		now:     time.Now,
		subs:    make(map[string]Subscription),
		bo: &backoff.ExponentialBackOff{
			InitialInterval:     opts.ReconnectBase,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         opts.ReconnectMax,
		},
		tickers: newTickerStore(),
		candles: newCandleStore(opts.CandleMaxLength),
		books:   newBookStore(),
		errs:    newErrorDeduper(opts.ErrorDedupWindow),
	}
}

func (f *Feed) State() State {
	return State(f.state.Load())
}

func (f *Feed) setState(s State) {
	if f.State() == Closed {
		return
	}
	f.state.Store(int32(s))
}

// Start launches the connection loop. It returns immediately.
func (f *Feed) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Go(func() { f.run(ctx) })
	f.log.WithComponent("stream").Info("stream feed started")
	return nil
}

// Close marks the feed as closing before tearing the connection down, so
// concurrent reads return no data instead of racing a half-closed socket.
func (f *Feed) Close() {
	if !f.closing.CompareAndSwap(false, true) {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.closeConn()
	f.wg.Wait()
	f.state.Store(int32(Closed))
	f.log.WithComponent("stream").WithFields(logger.Fields{
		"suppressed_errors": f.errs.totalSuppressed(),
	}).Info("stream feed stopped")
}

func (f *Feed) run(ctx context.Context) {
	log := f.log.WithComponent("stream")
	for {
		if ctx.Err() != nil || f.closing.Load() {
			return
		}
		err := f.session(ctx)
		f.setState(Disconnected)
		if ctx.Err() != nil || f.closing.Load() {
			return
		}
		delay := f.nextReconnectDelay()
		logger.IncrementStreamReconnect()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("stream disconnected, scheduling reconnect")
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

// nextReconnectDelay yields base, 2*base, 4*base ... capped at ReconnectMax.
func (f *Feed) nextReconnectDelay() time.Duration {
	return f.bo.NextBackOff()
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// session runs one connection from handshake to failure.
func (f *Feed) session(ctx context.Context) error {
	f.setState(Connecting)
	f.tracker.RegisterConnectionAttempt()

	ep, err := f.token(ctx)
	if err != nil {
		return fmt.Errorf("stream token: %w", err)
	}
	u, err := url.Parse(ep.URL)
	if err != nil {
		return fmt.Errorf("stream endpoint: %w", err)
	}
	q := u.Query()
	if ep.Token != "" {
		q.Set("token", ep.Token)
	}
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		f.setConn(nil)
		_ = conn.Close()
	}()

	if err := f.awaitWelcome(conn); err != nil {
		return err
	}

	heartbeat := f.opts.Heartbeat
	if ep.PingInterval > 0 && ep.PingInterval < heartbeat {
		heartbeat = ep.PingInterval
	}
	readTimeout := 3 * heartbeat

	f.setConn(conn)
	f.setState(Connected)
	f.bo.Reset()
	f.log.WithComponent("stream").WithFields(logger.Fields{"endpoint": ep.URL}).Info("stream connected")
	f.replay()

	pingCtx, cancelPing := context.WithCancel(ctx)
	var wg conc.WaitGroup
	wg.Go(func() { f.heartbeat(pingCtx, conn, heartbeat) })
	defer func() {
		cancelPing()
		wg.Wait()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handle(msg)
	}
}

func (f *Feed) awaitWelcome(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(f.opts.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	var fr frame
	if err := json.Unmarshal(msg, &fr); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	if fr.Type != "welcome" {
		return fmt.Errorf("expected welcome frame, got %q", fr.Type)
	}
	return nil
}

func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.write(conn, newRequest("ping", "")); err != nil {
				f.log.WithComponent("stream").WithError(err).Warn("failed to send stream ping")
				_ = conn.Close()
				return
			}
			ratemetric.ReportKucoinWSWeight(f.log, f.tracker)
		}
	}
}

func (f *Feed) setConn(c *websocket.Conn) {
	f.connMu.Lock()
	f.conn = c
	f.connMu.Unlock()
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = f.conn.Close()
		f.conn = nil
	}
}

// write serialises frames; gorilla connections allow a single writer.
func (f *Feed) write(conn *websocket.Conn, req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	f.tracker.RegisterOutgoing(1)
	return nil
}

func (f *Feed) send(req request) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	return f.write(conn, req)
}

func (f *Feed) replay() {
	f.subMu.Lock()
	topics := append([]string(nil), f.topics...)
	f.subMu.Unlock()
	for _, topic := range topics {
		if err := f.send(newRequest("subscribe", topic)); err != nil {
			f.log.WithComponent("stream").WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("resubscribe failed")
			return
		}
	}
	if len(topics) > 0 {
		f.log.WithComponent("stream").WithFields(logger.Fields{"subscriptions": len(topics)}).Info("subscriptions replayed")
	}
}

// SubscribeTicker records a ticker subscription. False means the
// subscription limit is reached and the caller should use REST.
func (f *Feed) SubscribeTicker(symbol string) bool {
	return f.subscribe(Subscription{Channel: ChannelTicker, Symbol: symbol})
}

func (f *Feed) SubscribeCandles(symbol, timeframe string) bool {
	return f.subscribe(Subscription{Channel: ChannelCandles, Symbol: symbol, Timeframe: timeframe})
}

func (f *Feed) SubscribeOrderBook(symbol string) bool {
	return f.subscribe(Subscription{Channel: ChannelOrderBook, Symbol: symbol})
}

func (f *Feed) subscribe(sub Subscription) bool {
	if f.closing.Load() {
		return false
	}
	topic, err := sub.Topic()
	if err != nil {
		f.log.WithComponent("stream").WithError(err).Warn("invalid subscription")
		return false
	}

	f.subMu.Lock()
	if _, ok := f.subs[topic]; ok {
		f.subMu.Unlock()
		return true
	}
	if len(f.subs) >= f.opts.MaxSubscriptions {
		f.subMu.Unlock()
		f.log.WithComponent("stream").WithFields(logger.Fields{
			"topic": topic,
			"limit": f.opts.MaxSubscriptions,
		}).Debug("subscription limit reached")
		return false
	}
	f.subs[topic] = sub
	f.topics = append(f.topics, topic)
	f.subMu.Unlock()

	// Offline subscriptions are sent on the next replay.
	if f.State() == Connected {
		if err := f.send(newRequest("subscribe", topic)); err != nil {
			f.log.WithComponent("stream").WithError(err).WithFields(logger.Fields{"topic": topic}).Warn("subscribe failed")
		}
	}
	return true
}

// Unsubscribe drops a subscription and frees its slot.
func (f *Feed) Unsubscribe(sub Subscription) {
	topic, err := sub.Topic()
	if err != nil {
		return
	}
	f.subMu.Lock()
	_, ok := f.subs[topic]
	if ok {
		delete(f.subs, topic)
		for i, t := range f.topics {
			if t == topic {
				f.topics = append(f.topics[:i], f.topics[i+1:]...)
				break
			}
		}
	}
	f.subMu.Unlock()
	if ok && f.State() == Connected {
		_ = f.send(newRequest("unsubscribe", topic))
	}
}

// Subscriptions returns the number of recorded subscriptions.
func (f *Feed) Subscriptions() int {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return len(f.subs)
}

func (f *Feed) Subscribed(sub Subscription) bool {
	topic, err := sub.Topic()
	if err != nil {
		return false
	}
	f.subMu.Lock()
	defer f.subMu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

func (f *Feed) handle(raw []byte) {
	var fr frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		f.log.WithComponent("stream").WithError(err).Debug("undecodable stream frame")
		return
	}
	switch fr.Type {
	case "message":
		f.route(fr, len(raw))
	case "error":
		f.onError(fr)
	case "welcome", "ack", "pong":
	default:
		f.log.WithComponent("stream").WithFields(logger.Fields{"type": fr.Type}).Debug("unhandled stream frame")
	}
}

func (f *Feed) route(fr frame, size int) {
	now := f.now()
	symbol, timeframe := symbolFromTopic(fr.Topic)
	log := f.log.WithComponent("stream").WithFields(logger.Fields{"topic": fr.Topic})
	topic := strings.ToLower(fr.Topic)

	switch {
	case strings.Contains(topic, "ticker"):
		var p tickerPayload
		if err := json.Unmarshal(fr.Data, &p); err != nil {
			log.WithError(err).Debug("bad ticker payload")
			return
		}
		f.tickers.put(p.toModel(symbol), now)
		logger.RecordStreamMessage(string(ChannelTicker), size)
	case strings.Contains(topic, "candle"):
		var p candlePayload
		if err := json.Unmarshal(fr.Data, &p); err != nil {
			log.WithError(err).Debug("bad candle payload")
			return
		}
		c, err := p.toModel()
		if err != nil || timeframe == "" {
			log.WithError(err).Debug("bad candle payload")
			return
		}
		f.candles.apply(symbol, timeframe, c, now)
		logger.RecordStreamMessage(string(ChannelCandles), size)
	case strings.Contains(topic, "level2"), strings.Contains(topic, "depth"):
		var p depthPayload
		if err := json.Unmarshal(fr.Data, &p); err != nil {
			log.WithError(err).Debug("bad depth payload")
			return
		}
		f.books.put(p.toModel(symbol), now)
		logger.RecordStreamMessage(string(ChannelOrderBook), size)
	default:
		log.Debug("unrouted stream message")
	}
}

func (f *Feed) onError(fr frame) {
	data := strings.Trim(string(fr.Data), `"`)
	key := fr.code() + "|" + fr.Topic + "|" + data
	ok, suppressed := f.errs.observe(key, f.now())
	if !ok {
		logger.IncrementStreamSuppressed()
		return
	}
	f.log.WithComponent("stream").WithFields(logger.Fields{
		"code":       fr.code(),
		"topic":      fr.Topic,
		"message":    data,
		"suppressed": suppressed,
	}).Error("stream error")
}

// SuppressedErrors is the number of duplicate error frames not logged.
func (f *Feed) SuppressedErrors() int64 {
	return f.errs.totalSuppressed()
}

// Ticker returns the cached ticker if it is fresh.
func (f *Feed) Ticker(symbol string) (models.Ticker, bool) {
	if f.closing.Load() {
		return models.Ticker{}, false
	}
	return f.tickers.get(symbol, f.now(), f.opts.TickerFreshness)
}

// OHLCV returns the newest limit candles when the series is fresh and long enough.
func (f *Feed) OHLCV(symbol, timeframe string, limit int) ([]models.Candle, bool) {
	if f.closing.Load() {
		return nil, false
	}
	return f.candles.get(symbol, timeframe, limit, f.now(), f.opts.CandleFreshness)
}

func (f *Feed) OrderBook(symbol string) (models.OrderBook, bool) {
	if f.closing.Load() {
		return models.OrderBook{}, false
	}
	return f.books.get(symbol, f.now(), f.opts.OrderBookFreshness)
}

// SeedCandles loads REST history under a streamed series so that later
// pushes extend it. The series is not served until a push arrives.
func (f *Feed) SeedCandles(symbol, timeframe string, history []models.Candle) {
	if f.closing.Load() {
		return
	}
	f.candles.seed(symbol, timeframe, history)
}
