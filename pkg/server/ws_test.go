package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinkerbay/agentd/pkg/protocol"
)

// newSSEBackend fakes the Anthropic messages endpoint with a fixed streamed
// reply.
func newSSEBackend(t *testing.T, text string) *httptest.Server {
	t.Helper()
	events := []string{
		`{"type":"message_start","message":{"id":"msg_e2e"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
	}))
}

func TestServer_WebsocketTurn(t *testing.T) {
	backend := newSSEBackend(t, "hello from the model")
	defer backend.Close()

	cfg := testConfig(t)
	cfg.LLM.BaseURL = backend.URL

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	front := httptest.NewServer(srv.http.Handler)
	defer front.Close()
	defer srv.manager.CloseAll()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	input := protocol.MustFrame(protocol.FrameUserInput, protocol.UserInputPayload{
		Input: []protocol.ConversationItem{protocol.NewUserMessage("hello")},
	})
	data, _ := json.Marshal(input)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	var types []string
	var assistantText strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %v (frames so far: %v)", err, types)
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			t.Fatal(err)
		}
		types = append(types, frame.Type)

		if frame.Type == protocol.FrameResponseItem {
			var item protocol.ConversationItem
			if err := json.Unmarshal(frame.Payload, &item); err != nil {
				t.Fatal(err)
			}
			if item.Type == protocol.ItemTypeAssistantMessage {
				assistantText.WriteString(item.TextContent())
			}
		}
		if frame.Type == protocol.FrameContextInfo {
			break
		}
	}

	if assistantText.String() != "hello from the model" {
		t.Errorf("assistant text = %q", assistantText.String())
	}

	var sawLoading, sawFinished bool
	for _, ft := range types {
		switch ft {
		case protocol.FrameLoadingState:
			sawLoading = true
		case protocol.FrameAgentFinished:
			sawFinished = true
		}
	}
	if !sawLoading || !sawFinished {
		t.Errorf("frame sequence = %v", types)
	}
}

func TestServer_Healthz(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	front := httptest.NewServer(srv.http.Handler)
	defer front.Close()

	resp, err := http.Get(front.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(front.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp2.StatusCode)
	}
}

func TestServer_RejectsInvalidSessionID(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	front := httptest.NewServer(srv.http.Handler)
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/ws?session=bogus"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != protocol.FrameError {
		t.Errorf("frame type = %q", frame.Type)
	}
}
