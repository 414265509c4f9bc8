package realtime

import (
	"errors"
	"testing"

	"qnasession/internal/domain"
)

func TestEncodeJoin_WireShape(t *testing.T) {
	frame, err := EncodeJoin("messages", 7)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"topic":"realtime:public:messages","event":"phx_join","payload":{},"ref":"7"}`
	if string(frame) != want {
		t.Errorf("join frame:\n got %s\nwant %s", frame, want)
	}
}

func TestEncodeHeartbeat_WireShape(t *testing.T) {
	frame, err := EncodeHeartbeat(3)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"topic":"phoenix","event":"heartbeat","payload":{},"ref":"3"}`
	if string(frame) != want {
		t.Errorf("heartbeat frame:\n got %s\nwant %s", frame, want)
	}
}

func TestDecodeEnvelope_Reply(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"phx_reply","topic":"realtime:public:messages","ref":"1","payload":{"status":"ok","response":{}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventReply || env.RefString() != "1" {
		t.Errorf("got event=%s ref=%s", env.Event, env.RefString())
	}
	p, err := env.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "ok" || p.Data != nil {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodeEnvelope_NullRef(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"system","topic":"x","ref":null,"payload":null}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.RefString() != "" {
		t.Errorf("expected empty ref, got %q", env.RefString())
	}
	if _, err := env.DecodePayload(); err != nil {
		t.Errorf("null payload should decode: %v", err)
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "   ",
		"invalid json":  `{"event":`,
		"missing event": `{"topic":"x","payload":{}}`,
		"not an object": `[1,2,3]`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(in)); err == nil {
				t.Errorf("expected error for %q", in)
			}
		})
	}
}

func TestEnvelope_Change(t *testing.T) {
	raw := `{"event":"postgres_changes","topic":"realtime:public:messages","ref":null,
	"payload":{"data":{"type":"UPDATE","table":"messages","schema":"public",
	"record":{"id":"m1","cluster_id":"c1"},"old_record":{"id":"m1","cluster_id":null},
	"commit_timestamp":"2024-05-01T10:00:00Z"}}}`

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Change()
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != domain.ChangeUpdate || c.Table != "messages" || c.Schema != "public" {
		t.Errorf("change = %+v", c)
	}
	if c.Record["cluster_id"] != "c1" || c.OldRecord["cluster_id"] != nil {
		t.Errorf("records not decoded: %+v / %+v", c.Record, c.OldRecord)
	}
	if c.CommitTime != "2024-05-01T10:00:00Z" {
		t.Errorf("commit time = %q", c.CommitTime)
	}
}

func TestEnvelope_ChangeLowercaseType(t *testing.T) {
	env, _ := DecodeEnvelope([]byte(`{"event":"postgres_changes","topic":"t","payload":{"data":{"type":"insert","table":"rooms","record":{"id":"r1"}}}}`))
	c, err := env.Change()
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != domain.ChangeInsert {
		t.Errorf("type = %s, want INSERT", c.Type)
	}
}

func TestEnvelope_ChangeErrors(t *testing.T) {
	env, _ := DecodeEnvelope([]byte(`{"event":"postgres_changes","topic":"t","payload":{}}`))
	if _, err := env.Change(); !errors.Is(err, ErrMissingData) {
		t.Errorf("expected ErrMissingData, got %v", err)
	}

	env, _ = DecodeEnvelope([]byte(`{"event":"postgres_changes","topic":"t","payload":{"data":{"type":"TRUNCATE","table":"x"}}}`))
	if _, err := env.Change(); err == nil {
		t.Error("expected error for unknown change type")
	}

	env, _ = DecodeEnvelope([]byte(`{"event":"postgres_changes","topic":"t","payload":"oops"}`))
	if _, err := env.Change(); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://abc.supabase.co", "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0", false},
		{"https://abc.supabase.co/", "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0", false},
		{"http://localhost:54321", "ws://localhost:54321/realtime/v1/websocket?apikey=k&vsn=1.0.0", false},
		{"ftp://abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.in, "k")
		if (err != nil) != tt.wantErr {
			t.Errorf("BuildURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactKey(t *testing.T) {
	got := redactKey("wss://x/realtime/v1/websocket?apikey=supersecretvalue&vsn=1.0.0")
	if got != "wss://x/realtime/v1/websocket?apikey=supe%2A%2A%2A%2A&vsn=1.0.0" {
		t.Errorf("redactKey = %s", got)
	}
}

func TestState_String(t *testing.T) {
	if StateReconnectPending.String() != "reconnect_pending" {
		t.Errorf("got %s", StateReconnectPending)
	}
	if State(99).String() != "unknown" {
		t.Errorf("got %s", State(99))
	}
	if len(AllStates()) != 6 {
		t.Errorf("expected 6 states, got %d", len(AllStates()))
	}
}
