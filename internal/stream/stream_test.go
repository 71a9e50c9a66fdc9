package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/stream"
	"github.com/MrWong99/meetcap/internal/transcript"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test backend. The handler receives every accepted
// conn; returning from it closes the conn normally.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func writeRaw(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func newMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func message(t *testing.T, sessionID string, seq int64) chunk.Message {
	t.Helper()
	msg, err := chunk.Encode(capture.Block{
		Data:       []byte{1, 2, 3, 4},
		Codec:      capture.CodecL16,
		SampleRate: 16000,
		Channels:   1,
		CapturedAt: time.UnixMilli(1_700_000_000_000),
	}, seq, sessionID, types.ModeRealtime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── URLFromBase ───────────────────────────────────────────────────────────────

func TestURLFromBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{base: "http://127.0.0.1:8010/v1", want: "ws://127.0.0.1:8010/v1/ws"},
		{base: "https://api.example.com/v1/", want: "wss://api.example.com/v1/ws"},
		{base: "http://localhost:8010?x=1", want: "ws://localhost:8010/ws"},
		{base: "ws://host/v1", want: "ws://host/v1/ws"},
		{base: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		got, err := stream.URLFromBase(tt.base)
		if tt.wantErr {
			if err == nil {
				t.Errorf("URLFromBase(%q) = %q, want error", tt.base, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("URLFromBase(%q): %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("URLFromBase(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// ── Open / Close ──────────────────────────────────────────────────────────────

func TestOpen_SendsAPIKeyAndReachesOpen(t *testing.T) {
	t.Parallel()

	gotKey := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotKey <- r.Header.Get("X-API-Key")
		_, _, _ = conn.Read(r.Context())
	})

	ch := stream.New(wsURL(srv), transcript.NewStore(), stream.WithAPIKey("secret"), stream.WithMetrics(newMetrics(t)))
	if got := ch.State(); got != stream.StateClosed {
		t.Fatalf("initial state = %v, want closed", got)
	}
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if got := ch.State(); got != stream.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	if got := ch.SessionID(); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
	select {
	case key := <-gotKey:
		if key != "secret" {
			t.Errorf("X-API-Key = %q, want secret", key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the upgrade")
	}
}

func TestOpen_SameSessionIsNoop(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	dials := 0
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		_, _, _ = conn.Read(r.Context())
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	defer ch.Close()
	for range 3 {
		if err := ch.Open(context.Background(), "sess-1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestOpen_DifferentSessionReplacesLink(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{}, 2)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
		closed <- struct{}{}
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	defer ch.Close()

	disconnects := make(chan error, 1)
	ch.OnDisconnect(func(err error) { disconnects <- err })

	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open(sess-1): %v", err)
	}
	if err := ch.Send(message(t, "sess-1", 0)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ch.Open(context.Background(), "sess-2"); err != nil {
		t.Fatalf("Open(sess-2): %v", err)
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("first link was not closed")
	}
	select {
	case err := <-disconnects:
		t.Errorf("OnDisconnect fired for a replaced link: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if got := ch.SessionID(); got != "sess-2" {
		t.Errorf("SessionID = %q, want sess-2", got)
	}
	if got := ch.Acks().Sent; got != 0 {
		t.Errorf("Acks().Sent = %d after session change, want 0", got)
	}
	if err := ch.Send(message(t, "sess-1", 1)); !errors.Is(err, stream.ErrNoSession) {
		t.Errorf("Send for old session error = %v, want ErrNoSession", err)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)), stream.WithDialTimeout(time.Second))
	err := ch.Open(context.Background(), "sess-1")
	if !errors.Is(err, stream.ErrConnection) {
		t.Fatalf("Open error = %v, want ErrConnection", err)
	}
	var connErr *stream.ConnectionError
	if !errors.As(err, &connErr) || connErr.URL != wsURL(srv) {
		t.Errorf("Open error = %#v, want *ConnectionError for %s", err, wsURL(srv))
	}
	if got := ch.State(); got != stream.StateClosed {
		t.Errorf("state after failed dial = %v, want closed", got)
	}
}

func TestOpen_RequiresSession(t *testing.T) {
	t.Parallel()

	ch := stream.New("ws://127.0.0.1:1/ws", nil)
	if err := ch.Open(context.Background(), ""); !errors.Is(err, stream.ErrNoSession) {
		t.Errorf("Open(\"\") error = %v, want ErrNoSession", err)
	}
}

func TestClose_ThenSendFails(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
	})
	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := ch.State(); got != stream.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := ch.Send(message(t, "sess-1", 0)); !errors.Is(err, stream.ErrNotOpen) {
		t.Errorf("Send after Close error = %v, want ErrNotOpen", err)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestClose_StopsMergingUpdates(t *testing.T) {
	t.Parallel()

	late := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 0, "raw_text": "first"})
		<-late
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 1, "raw_text": "late"})
		_, _, _ = conn.Read(r.Context())
	})

	store := transcript.NewStore()
	ch := stream.New(wsURL(srv), store, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "first update", func() bool { return store.Project(types.VariantRaw) == "first" })

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store.Reset()
	close(late)

	time.Sleep(100 * time.Millisecond)
	if got := store.Project(types.VariantRaw); got != "" {
		t.Errorf("raw after Close = %q, want empty", got)
	}
}

func TestSend_NotOpen(t *testing.T) {
	t.Parallel()

	ch := stream.New("ws://127.0.0.1:1/ws", nil, stream.WithMetrics(newMetrics(t)))
	if err := ch.Send(message(t, "sess-1", 0)); !errors.Is(err, stream.ErrNotOpen) {
		t.Errorf("Send error = %v, want ErrNotOpen", err)
	}
}

func TestSend_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	frames := make(chan chunk.Message, 8)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			msg, err := chunk.ParseMessage(data)
			if err != nil {
				t.Errorf("server: ParseMessage: %v", err)
				return
			}
			frames <- msg
		}
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	for seq := range int64(3) {
		if err := ch.Send(message(t, "sess-1", seq)); err != nil {
			t.Fatalf("Send(%d): %v", seq, err)
		}
	}
	for want := range int64(3) {
		select {
		case msg := <-frames:
			if msg.Seq != want || msg.SessionID != "sess-1" || msg.EventType != chunk.EventType {
				t.Errorf("frame = %+v, want seq %d for sess-1", msg, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for frame %d", want)
		}
	}

	stats := ch.Acks()
	if stats.Sent != 3 || len(stats.Pending) != 3 {
		t.Errorf("Acks = %+v, want 3 sent and pending", stats)
	}
}

func TestSend_MissingSessionOnMessage(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.Read(r.Context())
	})
	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	msg := message(t, "sess-1", 0)
	msg.SessionID = ""
	if err := ch.Send(msg); !errors.Is(err, stream.ErrNoSession) {
		t.Errorf("Send error = %v, want ErrNoSession", err)
	}
}

func TestSend_QueueFull(t *testing.T) {
	t.Parallel()

	// The server never reads, so writes back up once the socket buffers fill.
	// A queue of one cannot absorb a burst this large.
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-release
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)), stream.WithQueueSize(1))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	defer close(release)

	big, err := chunk.Encode(capture.Block{Data: make([]byte, 256<<10), Codec: capture.CodecL16, SampleRate: 16000, Channels: 1}, 0, "sess-1", types.ModeRealtime)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var full bool
	for seq := range int64(200) {
		big.Seq = seq
		if err := ch.Send(big); errors.Is(err, stream.ErrQueueFull) {
			full = true
			break
		} else if err != nil {
			t.Fatalf("Send(%d): %v", seq, err)
		}
	}
	if !full {
		t.Error("Send never reported ErrQueueFull")
	}
}

// ── Inbound dispatch ──────────────────────────────────────────────────────────

func TestInbound_MergesUpdatesAndSkipsBadFrames(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeRaw(t, conn, websocket.MessageText, []byte("{not json"))
		writeRaw(t, conn, websocket.MessageBinary, []byte{0xff})
		writeJSON(t, conn, map[string]any{"event_type": "session.stats", "seq": 9})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "raw_text": "no seq"})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": -1, "raw_text": "negative"})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "session_id": "other", "seq": 5, "raw_text": "foreign"})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 2, "raw_text": "world"})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "session_id": "sess-1", "seq": 1, "raw_text": "hello", "enhanced_text": "Hello"})
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 2, "enhanced_text": "world."})
		_, _, _ = conn.Read(r.Context())
	})

	store := transcript.NewStore()
	ch := stream.New(wsURL(srv), store, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	waitFor(t, "enhanced projection", func() bool {
		return store.Project(types.VariantEnhanced) == "Hello world."
	})
	if got := store.Project(types.VariantRaw); got != "hello world" {
		t.Errorf("raw = %q, want %q", got, "hello world")
	}
	if got := store.Len(types.VariantRaw); got != 2 {
		t.Errorf("raw entries = %d, want 2", got)
	}
	if got := ch.State(); got != stream.StateOpen {
		t.Errorf("state = %v after bad frames, want open", got)
	}
}

func TestInbound_AcksTracked(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for range 3 {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
		writeJSON(t, conn, map[string]any{"event_type": "ws.ack", "seq": 0, "accepted_chunks": 1})
		writeJSON(t, conn, map[string]any{"event_type": "ws.ack", "seq": 2, "accepted_chunks": 2, "last_acked_seq": 2})
		writeJSON(t, conn, map[string]any{"event_type": "ws.ack", "seq": 0, "duplicate": true, "accepted_chunks": 2})
		writeJSON(t, conn, map[string]any{"event_type": "ws.pong"})
		writeJSON(t, conn, map[string]any{"event_type": "error", "code": "bad_chunk", "message": "invalid payload"})
		_, _, _ = conn.Read(r.Context())
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	for seq := range int64(3) {
		if err := ch.Send(message(t, "sess-1", seq)); err != nil {
			t.Fatalf("Send(%d): %v", seq, err)
		}
	}

	waitFor(t, "duplicate ack", func() bool { return ch.Acks().Duplicates == 1 })
	stats := ch.Acks()
	if stats.Sent != 3 || stats.Acked != 2 || stats.LastAckedSeq != 2 {
		t.Errorf("Acks = %+v, want sent 3, acked 2, last 2", stats)
	}
	if len(stats.Pending) != 1 || stats.Pending[0] != 1 {
		t.Errorf("Pending = %v, want [1]", stats.Pending)
	}
}

func TestHeartbeat_SendsPing(t *testing.T) {
	t.Parallel()

	pings := make(chan map[string]string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var m map[string]string
		_ = json.Unmarshal(data, &m)
		pings <- m
		_, _, _ = conn.Read(r.Context())
	})

	ch := stream.New(wsURL(srv), nil, stream.WithMetrics(newMetrics(t)), stream.WithHeartbeat(10*time.Millisecond))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case m := <-pings:
		if m["event_type"] != "ping" || m["session_id"] != "sess-1" {
			t.Errorf("heartbeat = %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

// ── Loss ──────────────────────────────────────────────────────────────────────

func TestLoss_FiresOnDisconnectAndStaysClosed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 0, "raw_text": "bye"})
		// Returning closes the connection from the backend side.
	})

	store := transcript.NewStore()
	ch := stream.New(wsURL(srv), store, stream.WithMetrics(newMetrics(t)))
	disconnects := make(chan error, 1)
	ch.OnDisconnect(func(err error) { disconnects <- err })

	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case err := <-disconnects:
		if err == nil {
			t.Error("OnDisconnect called with nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called after backend closed")
	}

	if got := ch.State(); got != stream.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := ch.Send(message(t, "sess-1", 1)); !errors.Is(err, stream.ErrNotOpen) {
		t.Errorf("Send after loss error = %v, want ErrNotOpen", err)
	}
	if got := store.Project(types.VariantRaw); got != "bye" {
		t.Errorf("raw = %q, want the update received before loss", got)
	}

	// Explicit reopen recovers.
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ch.Close()
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := map[stream.State]string{
		stream.StateClosed:     "closed",
		stream.StateConnecting: "connecting",
		stream.StateOpen:       "open",
		stream.State(42):       "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

var _ stream.Sink = (*transcript.Store)(nil)

func TestSinkReceivesOptionalFields(t *testing.T) {
	t.Parallel()

	got := make(chan transcript.Update, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{"event_type": "transcript.update", "seq": 4, "enhanced_text": "only enhanced"})
		_, _, _ = conn.Read(r.Context())
	})
	ch := stream.New(wsURL(srv), sinkFunc(func(u transcript.Update) { got <- u }), stream.WithMetrics(newMetrics(t)))
	if err := ch.Open(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	select {
	case u := <-got:
		if u.Seq != 4 || u.Raw != nil || u.Enhanced == nil || *u.Enhanced != "only enhanced" {
			t.Errorf("update = %+v, want seq 4 with only enhanced text", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sink not called")
	}
}

type sinkFunc func(transcript.Update)

func (f sinkFunc) Merge(u transcript.Update) { f(u) }
