package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewClient(t *testing.T) {
	hub := NewHub()
	client := NewClient(hub, nil)

	if client.hub != hub {
		t.Error("client.hub != hub")
	}
	if client.topics == nil {
		t.Error("client.topics is nil")
	}
	if client.send == nil {
		t.Error("client.send is nil")
	}
	if client.id == "" {
		t.Error("client.id is empty")
	}
	if client.connectedAt.IsZero() {
		t.Error("client.connectedAt is zero")
	}
}

func readReply(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		return msg
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for response")
	}
	return WSMessage{}
}

func TestClientHandleMessage(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "test-client")

	t.Run("subscribe message", func(t *testing.T) {
		data, _ := json.Marshal(WSMessage{Type: TypeSubscribe, Topic: "inst-1"})
		client.handleMessage(data)

		if !client.topics["inst-1"] {
			t.Error("client not subscribed to inst-1")
		}
	})

	t.Run("subscribe without topic", func(t *testing.T) {
		data, _ := json.Marshal(WSMessage{Type: TypeSubscribe})
		client.handleMessage(data)

		if msg := readReply(t, client); msg.Type != TypeError || msg.Code != "INVALID_REQUEST" {
			t.Errorf("reply = %+v", msg)
		}
	})

	t.Run("ping message", func(t *testing.T) {
		data, _ := json.Marshal(WSMessage{Type: TypePing})
		client.handleMessage(data)

		if msg := readReply(t, client); msg.Type != TypePong {
			t.Errorf("response type = %s, want %s", msg.Type, TypePong)
		}
	})

	t.Run("unsubscribe message", func(t *testing.T) {
		data, _ := json.Marshal(WSMessage{Type: TypeUnsubscribe, Topic: "inst-1"})
		client.handleMessage(data)

		if client.topics["inst-1"] {
			t.Error("client still subscribed to inst-1")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		client.handleMessage([]byte(`{"type":"chat"}`))

		if msg := readReply(t, client); msg.Code != "UNKNOWN_TYPE" {
			t.Errorf("code = %s, want UNKNOWN_TYPE", msg.Code)
		}
	})

	t.Run("invalid message", func(t *testing.T) {
		client.handleMessage([]byte("invalid json"))

		if msg := readReply(t, client); msg.Type != TypeError {
			t.Errorf("response type = %s, want %s", msg.Type, TypeError)
		}
	})
}

func TestServeWs(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{Type: TypeSubscribe, Topic: "inst-1"}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	if err := ws.WriteJSON(WSMessage{Type: TypePing}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong WSMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if pong.Type != TypePong {
		t.Errorf("response type = %s, want %s", pong.Type, TypePong)
	}

	if err := hub.PublishTyped(TypeWidgetUpdated, "inst-1", map[string]int{"v": 1}); err != nil {
		t.Fatal(err)
	}
	var update WSMessage
	if err := ws.ReadJSON(&update); err != nil {
		t.Fatalf("failed to read update: %v", err)
	}
	if update.Type != TypeWidgetUpdated || update.Topic != "inst-1" {
		t.Errorf("update = %+v", update)
	}
}
