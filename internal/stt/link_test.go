package stt

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// TestSubscribe_RollsBackNewRoomOnWriteFailure covers the failed first
// subscribe: the room must not linger in the wanted set, or a later
// reconnect would re-subscribe a room nobody is routing anymore.
func TestSubscribe_RollsBackNewRoomOnWriteFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_, _, _ = conn.Read(context.Background())
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Close the client side so the next write fails, while the link
	// still believes the connection is live.
	_ = conn.Close(websocket.StatusNormalClosure, "dead")

	l := newLink(url, func(string, string, float64, string) {}, slog.Default(), nil, time.Hour, time.Hour)
	l.conn = conn

	err = l.subscribe(context.Background(), "c1")
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("subscribe() error = %v, want *ConnectError", err)
	}
	if rooms := l.roomsSnapshot(); len(rooms) != 0 {
		t.Errorf("wanted rooms after failed first subscribe = %v, want none", rooms)
	}
}
