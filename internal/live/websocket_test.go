package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutor-voice-lab/internal/codec"
)

type fakeLiveServer struct {
	t      *testing.T
	setup  chan map[string]any
	inputs chan map[string]any
	// script is sent after the first realtimeInput arrives.
	script []string
	// skipSetupComplete makes the server hang up instead of acknowledging setup.
	skipSetupComplete bool
}

func (f *fakeLiveServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var setup map[string]any
	if err := conn.ReadJSON(&setup); err != nil {
		return
	}
	f.setup <- setup
	if f.skipSetupComplete {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bad setup"))
		return
	}
	_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

	var in map[string]any
	if err := conn.ReadJSON(&in); err != nil {
		return
	}
	f.inputs <- in
	for _, frame := range f.script {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	// drain until the client closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketChannelRoundTrip(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xC0})
	fake := &fakeLiveServer{
		t:      t,
		setup:  make(chan map[string]any, 1),
		inputs: make(chan map[string]any, 1),
		script: []string{
			`{"serverContent":{"inputTranscription":{"text":"Hola"}}}`,
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}]}}}`,
			`{"serverContent":{"outputTranscription":{"text":"¡Hola!"}}}`,
			`{"goAway":{"timeLeft":"10s"}}`,
			`{"serverContent":{"turnComplete":true}}`,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := WebsocketDialer{URL: wsURL(srv)}.Dial(ctx, Setup{
		APIKey:            "k",
		Model:             "gemini-live",
		Voice:             "Kore",
		SystemInstruction: "be nice",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	setup := (<-fake.setup)["setup"].(map[string]any)
	if setup["model"] != "models/gemini-live" {
		t.Fatalf("model: got %v", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	if mods := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "AUDIO" {
		t.Fatalf("modalities: got %v", mods)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Fatalf("input transcription not requested")
	}

	chunk := codec.Chunk{Data: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1}
	if err := ch.SendAudio(ctx, chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	in := <-fake.inputs
	raw, _ := json.Marshal(in)
	if !strings.Contains(string(raw), `"mimeType":"audio/pcm;rate=16000"`) || !strings.Contains(string(raw), chunk.Base64()) {
		t.Fatalf("unexpected realtime input: %s", raw)
	}

	msg, err := ch.Receive(ctx)
	if err != nil || msg.InputText == nil || *msg.InputText != "Hola" {
		t.Fatalf("input transcription: msg=%+v err=%v", msg, err)
	}
	msg, err = ch.Receive(ctx)
	if err != nil || len(msg.Audio) != 1 || msg.Audio[0].MIMEType != "audio/pcm;rate=24000" || len(msg.Audio[0].Data) != 4 {
		t.Fatalf("audio: msg=%+v err=%v", msg, err)
	}
	msg, err = ch.Receive(ctx)
	if err != nil || msg.OutputText == nil || *msg.OutputText != "¡Hola!" {
		t.Fatalf("output transcription: msg=%+v err=%v", msg, err)
	}
	msg, err = ch.Receive(ctx)
	if err != nil || !msg.TurnComplete {
		t.Fatalf("turn complete: msg=%+v err=%v", msg, err)
	}
	if _, err := ch.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after normal closure, got %v", err)
	}
}

func TestWebsocketDialFailsWithoutSetupComplete(t *testing.T) {
	fake := &fakeLiveServer{t: t, setup: make(chan map[string]any, 1), skipSetupComplete: true}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := WebsocketDialer{URL: wsURL(srv)}.Dial(ctx, Setup{Model: "m"})
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel, got %v", err)
	}
}

func TestEndpointRewritesSchemeAndAddsKey(t *testing.T) {
	got, err := WebsocketDialer{URL: "https://proxy.local/live?x=1"}.endpoint("abc")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.HasPrefix(got, "wss://proxy.local/live?") || !strings.Contains(got, "key=abc") || !strings.Contains(got, "x=1") {
		t.Fatalf("unexpected endpoint: %s", got)
	}
	got, _ = WebsocketDialer{URL: "ws://h/p?key=given"}.endpoint("other")
	if !strings.Contains(got, "key=given") || strings.Contains(got, "other") {
		t.Fatalf("existing key should win: %s", got)
	}
}

func TestClassify(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if err := classify(normal); !errors.Is(err, ErrClosed) {
		t.Fatalf("normal closure: got %v", err)
	}
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	if err := classify(abnormal); !errors.Is(err, ErrChannel) {
		t.Fatalf("abnormal closure: got %v", err)
	}
	if classify(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

func TestWebsocketSkipsUndecodableFrame(t *testing.T) {
	fake := &fakeLiveServer{
		t:      t,
		setup:  make(chan map[string]any, 1),
		inputs: make(chan map[string]any, 1),
		script: []string{
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":123}}]}}}`,
			`{"serverContent":`,
			`{"serverContent":{"outputTranscription":{"text":"still here"}}}`,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var dropped atomic.Int32
	ch, err := WebsocketDialer{URL: wsURL(srv)}.Dial(ctx, Setup{Model: "m", OnMalformed: func() { dropped.Add(1) }})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()
	<-fake.setup

	if err := ch.SendAudio(ctx, codec.Chunk{Data: []byte{0, 0}, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	<-fake.inputs

	msg, err := ch.Receive(ctx)
	if err != nil || msg.OutputText == nil || *msg.OutputText != "still here" {
		t.Fatalf("valid frame after bad ones: msg=%+v err=%v", msg, err)
	}
	if n := dropped.Load(); n != 2 {
		t.Fatalf("dropped %d frames, want 2", n)
	}
	if _, err := ch.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after normal closure, got %v", err)
	}
}

func TestClassifyDecodeErrors(t *testing.T) {
	var v map[string]any
	syntaxErr := json.Unmarshal([]byte(`{"serverContent":`), &v)
	// The client library wraps decode failures in its own message.
	wrapped := fmt.Errorf("invalid message format. Error %w. messageType: 1", syntaxErr)
	if err := classify(wrapped); !errors.Is(err, ErrMalformed) || errors.Is(err, ErrChannel) {
		t.Fatalf("syntax error: got %v", err)
	}
	var n struct{ Data string }
	typeErr := json.Unmarshal([]byte(`{"Data":123}`), &n)
	if err := classify(typeErr); !errors.Is(err, ErrMalformed) {
		t.Fatalf("type error: got %v", err)
	}

	calls := 0
	if !dropMalformed(classify(typeErr), func() { calls++ }) || calls != 1 {
		t.Fatalf("malformed frame should be dropped and counted, calls=%d", calls)
	}
	if dropMalformed(classify(errors.New("reset")), func() { calls++ }) || calls != 1 {
		t.Fatalf("transport errors must not be dropped")
	}
}
