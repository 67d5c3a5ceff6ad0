package chatserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatlink/internal/domain"
	"chatlink/internal/session"
)

func startTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	srv := New("127.0.0.1:0", authToken, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		if err := srv.Start(ctx); err != nil {
			// The test may have cancelled the context already.
			_ = err
		}
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var opts *websocket.DialOptions
	if token != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: map[string][]string{"Authorization": {"Bearer " + token}},
		}
	}
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/chat", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, "")
	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, "good-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/chat", &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer bad-token"}},
	})
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestServerRequestRoundtrip(t *testing.T) {
	srv := startTestServer(t, "")
	srv.Register("PUT", "/echo", func(_ context.Context, req domain.Request) (*domain.Response, error) {
		return &domain.Response{Status: 200, Message: "OK", Body: req.Body}, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "")
	ctx := context.Background()

	req := session.Frame{
		Type:    session.FrameTypeRequest,
		ID:      1,
		Method:  "PUT",
		Path:    "/echo",
		Payload: []byte("hello"),
	}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp session.Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}

	if resp.Type != session.FrameTypeResponse {
		t.Errorf("type = %q", resp.Type)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d", resp.ID)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}
	if string(resp.Payload) != "hello" {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerUnknownRoute(t *testing.T) {
	srv := startTestServer(t, "")
	ws := dialWS(t, srv.BoundAddr(), "")
	ctx := context.Background()

	req := session.Frame{Type: session.FrameTypeRequest, ID: 2, Method: "GET", Path: "/nope"}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp session.Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != 404 {
		t.Errorf("status = %d, want 404", resp.Status)
	}
	if resp.ID != 2 {
		t.Errorf("ID = %d", resp.ID)
	}
}

func TestServerPushAndBarrier(t *testing.T) {
	srv := startTestServer(t, "")
	ws := dialWS(t, srv.BoundAddr(), "")
	ctx := context.Background()

	// Wait for the server to register the client before pushing.
	waitForClients(t, srv, 1)

	srv.PushEvent([]byte("one"), 1000)
	srv.PushEvent([]byte("two"), 2000)
	srv.PushQueueEmpty()

	var got []session.Frame
	for i := 0; i < 3; i++ {
		var f session.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, f)
	}

	if string(got[0].Payload) != "one" || got[0].Timestamp != 1000 {
		t.Errorf("frame 0 = %+v", got[0])
	}
	if string(got[1].Payload) != "two" || got[1].Timestamp != 2000 {
		t.Errorf("frame 1 = %+v", got[1])
	}
	if !got[2].QueueEmpty {
		t.Errorf("frame 2 is not the queue-empty barrier: %+v", got[2])
	}
}

func TestServerCountsAcks(t *testing.T) {
	srv := startTestServer(t, "")
	ws := dialWS(t, srv.BoundAddr(), "")
	ctx := context.Background()

	ack, _ := json.Marshal(session.Frame{
		Type:      session.FrameTypeRequest,
		Method:    "ACK",
		Timestamp: 1000,
	})
	if err := ws.Write(ctx, websocket.MessageText, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Acks() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ack never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d clients registered", srv.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
