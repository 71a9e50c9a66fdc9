// Package stream implements the duplex channel between the agent and the
// processing backend.
//
// A [Channel] carries outbound audio chunks as JSON text frames and routes
// inbound transcript updates into a [Sink]. The channel never retries: a
// chunk offered while the link is down is dropped and reported, and a lost
// link stays closed until the owner calls [Channel.Open] again.
//
// Each successful Open creates a fresh link (connection, send queue, read and
// write goroutines). Goroutines of a superseded link notice that they are
// stale and exit without touching channel state, so a late error from an old
// connection can never close a newer one.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/transcript"
)

const (
	defaultQueueSize    = 64
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// maxInboundFrame bounds a single inbound message. Transcript updates for
	// long segments can exceed the library's 32 KiB default.
	maxInboundFrame = 1 << 20
)

// State is the connection state of a [Channel].
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrConnection is wrapped by every [*ConnectionError].
	ErrConnection = errors.New("stream: connection failed")

	// ErrNotOpen is returned by [Channel.Send] when no link is open.
	ErrNotOpen = errors.New("stream: channel not open")

	// ErrNoSession is returned by [Channel.Send] when the channel or the
	// message carries no session id, or when they differ.
	ErrNoSession = errors.New("stream: no session")

	// ErrQueueFull is returned by [Channel.Send] when the send queue is full.
	ErrQueueFull = errors.New("stream: send queue full")
)

// ConnectionError reports a failed dial.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: connect %s: %v", e.URL, e.Err)
}

// Unwrap returns both [ErrConnection] and the underlying cause.
func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// Sink receives inbound transcript updates. [*transcript.Store] satisfies it.
type Sink interface {
	Merge(transcript.Update)
}

// Channel is the duplex link to the backend. The zero value is not usable;
// create one with [New]. All methods are safe for concurrent use.
type Channel struct {
	url          string
	apiKey       string
	sink         Sink
	metrics      *observe.Metrics
	queueSize    int
	dialTimeout  time.Duration
	writeTimeout time.Duration
	heartbeat    time.Duration

	// openMu serialises Open calls so two dials never race.
	openMu sync.Mutex

	mu           sync.Mutex
	state        State
	sessionID    string
	link         *link
	acks         *ackTracker
	onDisconnect func(error)
}

// Option is a functional option for [New].
type Option func(*Channel)

// WithAPIKey sets the X-API-Key header sent on the upgrade request.
func WithAPIKey(key string) Option {
	return func(c *Channel) { c.apiKey = key }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithQueueSize sets the number of frames buffered per link. Default: 64.
func WithQueueSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDialTimeout bounds each Open. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHeartbeat sends a {"event_type":"ping"} frame every d while open. The
// backend answers with ws.pong. Zero disables heartbeats (the default).
func WithHeartbeat(d time.Duration) Option {
	return func(c *Channel) { c.heartbeat = d }
}

// New creates a closed Channel that dials rawURL and merges inbound updates
// into sink.
func New(rawURL string, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		url:          rawURL,
		sink:         sink,
		metrics:      observe.DefaultMetrics(),
		queueSize:    defaultQueueSize,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		acks:         newAckTracker(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URLFromBase derives the channel URL from the backend REST base URL: the
// scheme becomes ws/wss and "/ws" is appended to the path.
func URLFromBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stream: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("stream: unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// OnDisconnect registers fn to be called when an open link is lost without
// a [Channel.Close]. fn runs on the link's goroutine and must not block.
func (c *Channel) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session the channel is bound to, or "".
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Acks returns a snapshot of the acknowledgement bookkeeping for the current
// session.
func (c *Channel) Acks() AckStats {
	c.mu.Lock()
	acks := c.acks
	c.mu.Unlock()
	return acks.stats()
}

// Open connects the channel for sessionID. Opening an already open channel
// for the same session is a no-op. Opening for a different session closes
// the existing link first. A dial failure leaves the channel closed and
// returns a [*ConnectionError].
func (c *Channel) Open(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.state == StateOpen && c.sessionID == sessionID {
		c.mu.Unlock()
		return nil
	}
	old := c.link
	c.link = nil
	if c.sessionID != sessionID {
		c.acks = newAckTracker()
	}
	c.sessionID = sessionID
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		old.shutdown(websocket.StatusNormalClosure, "session changed")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set("X-API-Key", c.apiKey)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return &ConnectionError{URL: c.url, Err: err}
	}
	conn.SetReadLimit(maxInboundFrame)

	l := &link{
		conn: conn,
		out:  make(chan []byte, c.queueSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.link = l
	c.state = StateOpen
	c.mu.Unlock()

	slog.Info("stream: channel open", "session_id", sessionID, "url", c.url)

	go c.readLoop(l, sessionID)
	go c.writeLoop(l)
	if c.heartbeat > 0 {
		go c.heartbeatLoop(l, sessionID)
	}
	return nil
}

// Send enqueues msg on the open link without blocking. It fails with
// [ErrNotOpen] when no link is open, [ErrNoSession] when the session is
// unknown or does not match, and [ErrQueueFull] when the link cannot keep
// up. Every failure is logged and counted; nothing is queued for later.
func (c *Channel) Send(msg chunk.Message) error {
	ctx := context.Background()

	c.mu.Lock()
	l, state, sessionID, acks := c.link, c.state, c.sessionID, c.acks
	c.mu.Unlock()

	var err error
	switch {
	case state != StateOpen || l == nil:
		err = ErrNotOpen
	case sessionID == "" || msg.SessionID == "":
		err = ErrNoSession
	case msg.SessionID != sessionID:
		err = fmt.Errorf("%w: message for %q on channel for %q", ErrNoSession, msg.SessionID, sessionID)
	}
	if err != nil {
		c.drop(ctx, msg, err)
		return err
	}

	data, err := msg.Marshal()
	if err != nil {
		c.drop(ctx, msg, err)
		return err
	}

	select {
	case <-l.done:
		err = ErrNotOpen
	default:
		select {
		case l.out <- data:
		default:
			err = ErrQueueFull
		}
	}
	if err != nil {
		c.drop(ctx, msg, err)
		return err
	}

	acks.sent(msg.Seq)
	c.metrics.RecordChunkSent(ctx, len(msg.ContentB64)*3/4)
	return nil
}

func (c *Channel) drop(ctx context.Context, msg chunk.Message, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrNotOpen):
		reason = "not_open"
	case errors.Is(err, ErrNoSession):
		reason = "no_session"
	case errors.Is(err, ErrQueueFull):
		reason = "queue_full"
	}
	c.metrics.RecordChunkDropped(ctx, reason)
	slog.Warn("stream: chunk dropped",
		"session_id", msg.SessionID,
		"seq", msg.Seq,
		"reason", reason,
		"err", err,
	)
}

// Close terminates the link. Later Send calls fail until the channel is
// reopened. Close on a closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.state = StateClosed
	c.sessionID = ""
	c.mu.Unlock()

	if l != nil {
		l.shutdown(websocket.StatusNormalClosure, "session finished")
		slog.Info("stream: channel closed")
	}
	return nil
}

// current reports whether l is still the open link. Frames read after a
// Close belong to a finished session and are not dispatched.
func (c *Channel) current(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == l
}

// lost handles the unexpected end of l. It is a no-op when l is no longer
// the current link.
func (c *Channel) lost(l *link, err error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateClosed
	sessionID := c.sessionID
	cb := c.onDisconnect
	c.mu.Unlock()

	l.shutdown(websocket.StatusGoingAway, "link lost")
	slog.Warn("stream: channel lost", "session_id", sessionID, "err", err)
	if cb != nil {
		cb(err)
	}
}

func (c *Channel) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.out:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := l.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.lost(l, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Channel) heartbeatLoop(l *link, sessionID string) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	ping, _ := json.Marshal(map[string]string{"event_type": "ping", "session_id": sessionID})
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			select {
			case l.out <- ping:
			default:
				slog.Debug("stream: heartbeat skipped, queue full", "session_id", sessionID)
			}
		}
	}
}

func (c *Channel) readLoop(l *link, sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = fmt.Errorf("closed by backend: %w", err)
			}
			c.lost(l, err)
			return
		}
		if !c.current(l) {
			return
		}
		if typ != websocket.MessageText {
			c.metrics.RecordInboundDiscarded(ctx, "binary")
			slog.Warn("stream: discarded binary frame", "session_id", sessionID, "bytes", len(data))
			continue
		}
		c.dispatch(ctx, sessionID, data)
	}
}

// link is one connection and its goroutines.
type link struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// shutdown stops the link's goroutines and closes the connection. Safe to
// call more than once.
func (l *link) shutdown(code websocket.StatusCode, reason string) {
	l.once.Do(func() {
		if code == websocket.StatusNormalClosure {
			_ = l.conn.Close(code, reason)
		} else {
			_ = l.conn.CloseNow()
		}
		close(l.done)
	})
}
