package genailive_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	"github.com/MrWong99/livevoice/pkg/provider/s2s/genailive"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// startLiveServer accepts SDK connections on any path and hands the conn and
// request to handler.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("read: %v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("unmarshal: %v", err)
	}
	return m
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

func idle(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func connect(t *testing.T, baseURL string, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	p := genailive.New("test-key", genailive.WithBaseURL(baseURL), genailive.WithModel("test-model"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func audioContent(pcm []byte) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := genailive.New("k").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
}

func TestConnect_RejectsStereoInput(t *testing.T) {
	t.Parallel()
	_, err := genailive.New("k").Connect(context.Background(), s2s.SessionConfig{
		InputFormat: audio.Format{SampleRate: 16000, Channels: 2},
	})
	var le *s2s.LinkError
	if !errors.As(err, &le) || le.Provider != genailive.Name {
		t.Fatalf("err = %v; want genai LinkError", err)
	}
}

func TestConnect_SendsSetupAndAwaitsAck(t *testing.T) {
	t.Parallel()

	type handshake struct {
		apiKey string
		path   string
		setup  map[string]any
	}
	got := make(chan handshake, 1)
	base := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		msg := readJSON(t, conn)
		setup, _ := msg["setup"].(map[string]any)
		got <- handshake{apiKey: r.Header.Get("x-goog-api-key"), path: r.URL.Path, setup: setup}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	connect(t, base, s2s.SessionConfig{
		Voice:        "Puck",
		Instructions: "Be brief.",
		Tools:        []s2s.ToolDefinition{{Name: "end_session", Description: "Ends the session"}},
		InputFormat:  audio.Format{SampleRate: 16000, Channels: 1},
	})

	h := <-got
	if h.apiKey != "test-key" {
		t.Errorf("x-goog-api-key = %q; want test-key", h.apiKey)
	}
	if !strings.HasSuffix(h.path, "BidiGenerateContent") {
		t.Errorf("path = %q; want BidiGenerateContent endpoint", h.path)
	}
	if h.setup["model"] != "models/test-model" {
		t.Errorf("setup.model = %v; want models/test-model", h.setup["model"])
	}
	data, _ := json.Marshal(h.setup)
	for _, want := range []string{`"AUDIO"`, `"Puck"`, `"Be brief."`, `"end_session"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("setup %s missing %s", data, want)
		}
	}
}

func TestConnect_ContextExpiresBeforeAck(t *testing.T) {
	t.Parallel()

	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		idle(conn)
	})
	p := genailive.New("k", genailive.WithBaseURL(base))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	var le *s2s.LinkError
	if !errors.As(err, &le) || le.Op != "connect" {
		t.Fatalf("err = %v; want connect LinkError", err)
	}
}

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		got <- readJSON(t, conn)
		idle(conn)
	})

	h := connect(t, base, s2s.SessionConfig{})
	pcm := []byte{1, 2, 3, 4}
	if err := h.SendAudio(context.Background(), audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-got
	ri, _ := msg["realtimeInput"].(map[string]any)
	blob, _ := ri["audio"].(map[string]any)
	if blob["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v", blob["mimeType"])
	}
	if blob["data"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("data = %v", blob["data"])
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()

	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})
	h := connect(t, base, s2s.SessionConfig{})
	_ = h.Close()
	_ = h.Close()

	if err := h.SendAudio(context.Background(), audio.AudioFrame{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("err = %v; want ErrSessionClosed", err)
	}
	select {
	case _, ok := <-h.Events():
		if ok {
			t.Error("Events should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Events to close")
	}
}

func TestEvents_AudioTurnAndInterrupt(t *testing.T) {
	t.Parallel()

	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, audioContent([]byte{9, 9}))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, audioContent([]byte{7, 7}))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		idle(conn)
	})

	h := connect(t, base, s2s.SessionConfig{})
	want := []s2s.EventKind{
		s2s.EventTurnStarted, s2s.EventAudio, s2s.EventTurnComplete,
		s2s.EventTurnStarted, s2s.EventAudio, s2s.EventInterrupted,
	}
	for i, k := range want {
		select {
		case ev := <-h.Events():
			if ev.Kind != k {
				t.Fatalf("event %d = %v; want %v", i, ev.Kind, k)
			}
			if ev.Kind == s2s.EventAudio && (len(ev.Audio) != 2 || ev.SampleRate != 24000) {
				t.Errorf("audio event = %+v", ev)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout at event %d", i)
		}
	}
}

func TestEvents_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()

	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "boom"}})
		idle(conn)
	})

	h := connect(t, base, s2s.SessionConfig{})
	select {
	case ev := <-h.Events():
		if ev.Kind != s2s.EventLinkError {
			t.Fatalf("event = %v; want LINK_ERROR", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	var le *s2s.LinkError
	if !errors.As(h.Err(), &le) || le.Op != "receive" {
		t.Errorf("Err() = %v; want receive LinkError", h.Err())
	}
}

func TestToolCall_RoundTrip(t *testing.T) {
	t.Parallel()

	ready := make(chan struct{})
	responses := make(chan map[string]any, 1)
	base := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-ready
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{map[string]any{
					"id":   "fc-1",
					"name": "end_session",
					"args": map[string]any{"reason": "done"},
				}},
			},
		})
		responses <- readJSON(t, conn)
		idle(conn)
	})

	h := connect(t, base, s2s.SessionConfig{})
	h.OnToolCall(func(name, args string) (string, error) {
		if name != "end_session" || !strings.Contains(args, `"reason":"done"`) {
			t.Errorf("handler got %s(%s)", name, args)
		}
		return `{"ended":true}`, nil
	})
	close(ready)

	select {
	case msg := <-responses:
		data, _ := json.Marshal(msg)
		for _, want := range []string{`"toolResponse"`, `"fc-1"`, `"ended":true`} {
			if !strings.Contains(string(data), want) {
				t.Errorf("tool response %s missing %s", data, want)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}
