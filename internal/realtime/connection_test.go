package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"

	"qnasession/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeRealtime is a websocket server standing in for Supabase Realtime.
type fakeRealtime struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
	frames   chan []byte

	mu      sync.Mutex
	reject  int // number of upcoming handshakes to refuse
	dials   int
	headers http.Header
	query   string
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		accepted: make(chan *websocket.Conn, 16),
		frames:   make(chan []byte, 64),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.dials++
		f.headers = r.Header.Clone()
		f.query = r.URL.RawQuery
		refuse := f.reject > 0
		if refuse {
			f.reject--
		}
		f.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepted <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.frames <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeRealtime) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.accepted:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (f *fakeRealtime) nextFrame(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-f.frames:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("client sent invalid frame %s: %v", data, err)
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return Envelope{}
	}
}

func (f *fakeRealtime) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-f.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(wait):
	}
}

type sinkRecorder struct {
	mu      sync.Mutex
	changes []domain.Change
	got     chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{got: make(chan struct{}, 64)}
}

func (s *sinkRecorder) Dispatch(c domain.Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *sinkRecorder) Changes() []domain.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Change(nil), s.changes...)
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func newTestConnection(t *testing.T, f *fakeRealtime, cfg Config) *Connection {
	t.Helper()
	cfg.ProjectURL = f.srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "anon-key"
	}
	if cfg.Sink == nil {
		cfg.Sink = newSinkRecorder()
	}
	cfg.Logger = testLogger()
	c, err := NewConnection(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnection_JoinsEachTable(t *testing.T) {
	f := newFakeRealtime(t)
	c := newTestConnection(t, f, Config{Tables: []string{"messages", "rooms"}})

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	f.nextConn(t)

	for i, table := range []string{"messages", "rooms"} {
		env := f.nextFrame(t)
		if env.Event != EventJoin || env.Topic != "realtime:public:"+table {
			t.Errorf("frame %d = %s %s", i, env.Event, env.Topic)
		}
		if want := []string{"1", "2"}[i]; env.RefString() != want {
			t.Errorf("frame %d ref = %s, want %s", i, env.RefString(), want)
		}
	}
	waitForState(t, c, StateLive)

	f.mu.Lock()
	headers, query := f.headers, f.query
	f.mu.Unlock()
	if headers.Get("apikey") != "anon-key" || headers.Get("Authorization") != "Bearer anon-key" {
		t.Errorf("auth headers not sent: %v", headers)
	}
	if query != "apikey=anon-key&vsn=1.0.0" {
		t.Errorf("query = %s", query)
	}

	c.Close()
	if c.State() != StateDisconnected {
		t.Errorf("state after Close = %s", c.State())
	}
}

func TestConnection_DispatchesChangesAndSurvivesBadFrames(t *testing.T) {
	f := newFakeRealtime(t)
	sink := newSinkRecorder()
	c := newTestConnection(t, f, Config{Tables: []string{"messages"}, Sink: sink})
	c.Start()

	server := f.nextConn(t)
	f.nextFrame(t) // join
	waitForState(t, c, StateLive)

	frames := []string{
		`{"event":"phx_reply","topic":"realtime:public:messages","ref":"1","payload":{"status":"ok"}}`,
		`{{not json`,
		`{"event":"postgres_changes","topic":"realtime:public:messages","payload":{}}`,
		`{"event":"presence_state","topic":"realtime:public:messages","payload":{}}`,
		`{"event":"postgres_changes","topic":"realtime:public:messages","ref":null,"payload":{"data":{"type":"INSERT","table":"messages","schema":"public","record":{"id":"m1","room_id":"r1","content":"hi"}}}}`,
	}
	for _, fr := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-sink.got:
	case <-time.After(3 * time.Second):
		t.Fatal("change was not dispatched")
	}
	changes := sink.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected exactly 1 dispatched change, got %d", len(changes))
	}
	if changes[0].Type != domain.ChangeInsert || changes[0].Record["id"] != "m1" {
		t.Errorf("change = %+v", changes[0])
	}
	if changes[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}
	if c.State() != StateLive {
		t.Errorf("state = %s, bad frames must not drop the connection", c.State())
	}
	if c.Connects() != 1 {
		t.Errorf("connects = %d, want 1", c.Connects())
	}
}

func TestConnection_ReconnectsAfterDrops(t *testing.T) {
	f := newFakeRealtime(t)
	c := newTestConnection(t, f, Config{
		Tables:         []string{"messages", "clusters"},
		ReconnectDelay: 20 * time.Millisecond,
	})
	c.Start()

	const drops = 3
	var ref uint64
	for attempt := 0; attempt <= drops; attempt++ {
		server := f.nextConn(t)
		for _, table := range []string{"messages", "clusters"} {
			env := f.nextFrame(t)
			ref++
			if env.Topic != TableTopic(table) {
				t.Errorf("attempt %d: topic = %s, want %s", attempt, env.Topic, TableTopic(table))
			}
			if want := strconv.FormatUint(ref, 10); env.RefString() != want {
				t.Errorf("attempt %d: ref = %s, want %s", attempt, env.RefString(), want)
			}
		}
		waitForState(t, c, StateLive)
		// Exactly one join per table per attempt.
		f.expectNoFrame(t, 30*time.Millisecond)
		if attempt < drops {
			server.Close()
		}
	}

	if got := c.Connects(); got != drops+1 {
		t.Errorf("connects = %d, want %d", got, drops+1)
	}
}

func TestConnection_RetriesFailedHandshakes(t *testing.T) {
	f := newFakeRealtime(t)
	f.mu.Lock()
	f.reject = 2
	f.mu.Unlock()

	c := newTestConnection(t, f, Config{
		Tables:         []string{"messages"},
		ReconnectDelay: 10 * time.Millisecond,
	})
	c.Start()

	f.nextConn(t)
	if env := f.nextFrame(t); env.Event != EventJoin {
		t.Fatalf("expected join, got %s", env.Event)
	}
	waitForState(t, c, StateLive)
	if d := f.Dials(); d != 3 {
		t.Errorf("dials = %d, want 3 (two refused)", d)
	}
}

func TestConnection_ReconnectWaitsForDelay(t *testing.T) {
	f := newFakeRealtime(t)
	clk := testclock.NewClock(time.Now())
	c := newTestConnection(t, f, Config{Tables: []string{"messages"}, Clock: clk})
	c.Start()

	server := f.nextConn(t)
	f.nextFrame(t)
	waitForState(t, c, StateLive)

	server.Close()
	waitForState(t, c, StateReconnectPending)

	select {
	case <-f.accepted:
		t.Fatal("reconnected before the delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(5 * time.Second)
	f.nextConn(t)
	if env := f.nextFrame(t); env.RefString() != "2" {
		t.Errorf("ref after reconnect = %s, want 2", env.RefString())
	}
	waitForState(t, c, StateLive)
}

func TestConnection_CloseCancelsPendingReconnect(t *testing.T) {
	f := newFakeRealtime(t)
	clk := testclock.NewClock(time.Now())
	c := newTestConnection(t, f, Config{Tables: []string{"messages"}, Clock: clk})
	c.Start()

	server := f.nextConn(t)
	f.nextFrame(t)
	waitForState(t, c, StateLive)

	server.Close()
	waitForState(t, c, StateReconnectPending)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	select {
	case <-f.accepted:
		t.Fatal("connection was resurrected after Close")
	case <-time.After(100 * time.Millisecond):
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
	if err := c.Start(); err != ErrClosed {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestConnection_NoTablesStaysLive(t *testing.T) {
	f := newFakeRealtime(t)
	c := newTestConnection(t, f, Config{})
	c.Start()

	f.nextConn(t)
	waitForState(t, c, StateLive)
	f.expectNoFrame(t, 50*time.Millisecond)
}

func TestConnection_Heartbeat(t *testing.T) {
	f := newFakeRealtime(t)
	c := newTestConnection(t, f, Config{
		Tables:            []string{"messages"},
		HeartbeatInterval: 20 * time.Millisecond,
	})
	c.Start()

	f.nextConn(t)
	join := f.nextFrame(t)
	hb := f.nextFrame(t)
	if hb.Topic != TopicPhoenix || hb.Event != EventHeartbeat {
		t.Fatalf("expected heartbeat, got %s %s", hb.Topic, hb.Event)
	}
	hbRef, err := strconv.ParseUint(hb.RefString(), 10, 64)
	if err != nil {
		t.Fatalf("heartbeat ref %q: %v", hb.RefString(), err)
	}
	joinRef, err := strconv.ParseUint(join.RefString(), 10, 64)
	if err != nil {
		t.Fatalf("join ref %q: %v", join.RefString(), err)
	}
	if hbRef <= joinRef {
		t.Errorf("heartbeat ref %d should follow join ref %d", hbRef, joinRef)
	}
}

func TestNewConnection_Validation(t *testing.T) {
	if _, err := NewConnection(Config{ProjectURL: "https://x.supabase.co"}); err == nil {
		t.Error("expected error without sink")
	}
	if _, err := NewConnection(Config{Sink: newSinkRecorder()}); err == nil {
		t.Error("expected error without project URL")
	}
}
