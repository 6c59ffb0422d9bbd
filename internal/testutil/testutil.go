// Package testutil holds helpers shared by the package tests: in-memory
// collaborators for the chat core and WebSocket/HTTP client helpers for
// end-to-end tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// WebSocketURL turns an httptest server URL into the /ws endpoint URL.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with TestOrigin as Origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and consumes the connected greeting. It returns the
// connection and its server-assigned id.
func MustConnect(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	greeting := ReadEnvelope(t, conn)
	if greeting["type"] != "connected" {
		t.Fatalf("Expected connected greeting, got %v", greeting)
	}
	id, _ := greeting["connectionId"].(string)
	if id == "" {
		t.Fatalf("Connected greeting has no connectionId: %v", greeting)
	}
	return conn, id
}

// SendEnvelope writes v as a JSON text frame.
func SendEnvelope(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Failed to send envelope: %v", err)
	}
}

// ReadEnvelope reads one JSON object, failing the test after five seconds.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var message map[string]any
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	return message
}

// ReadType reads envelopes until one of the given type arrives.
func ReadType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := ReadEnvelope(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("No %s envelope within 20 frames", typ)
	return nil
}

// ExpectSilence fails the test if conn receives a frame within d.
func ExpectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var message map[string]any
	if err := conn.ReadJSON(&message); err == nil {
		t.Fatalf("Expected no traffic, got %v", message)
	}
}

// CloseWebSocket sends a normal close frame and closes conn.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest executes a request with a five second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// PostJSON posts v as JSON to url.
func PostJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode request body: %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes the response body into a map.
func DecodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return out
}

// AssertStatusCode checks the response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks the response Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
