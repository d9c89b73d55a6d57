package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/wireloom/relaycore/internal/realtime/app"
	"github.com/wireloom/relaycore/internal/realtime/wsproto"
)

// TestHandleWebSocketClosesWithAuthFailureCodeOnMissingToken verifies
// spec.md §6: any authentication failure at connect time closes the socket
// with code 4001, which requires the handshake to complete first.
func TestHandleWebSocketClosesWithAuthFailureCodeOnMissingToken(t *testing.T) {
	srv := New(Config{App: &app.App{}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket.CloseError, got %v (%T)", err, err)
	}
	if closeErr.Code != wsproto.CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", closeErr.Code, wsproto.CloseAuthFailure)
	}
}
