package chat

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSPair upgrades one WebSocket connection through a throwaway test server
// and returns both ends: the server side to register, the client side to read
// what the registry broadcasts.
func newWSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- conn
		<-done // hold the handler open for the test's lifetime
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server = <-serverSide
	t.Cleanup(func() { server.Close() })
	return server, client
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func TestRegisterBroadcastDeregister(t *testing.T) {
	r := NewRegistry(slog.Default())
	serverConn, clientConn := newWSPair(t)

	c := r.Register("bob", serverConn)
	if !r.Online("bob") {
		t.Fatal("bob should be online after register")
	}
	if r.Count() != 1 {
		t.Errorf("Count: got %d, want 1", r.Count())
	}

	if !r.Broadcast("bob", []byte(`{"action":"NEW_MESSAGE"}`)) {
		t.Fatal("Broadcast returned false with a live connection")
	}
	if got := string(readFrame(t, clientConn)); got != `{"action":"NEW_MESSAGE"}` {
		t.Errorf("frame: got %s", got)
	}

	last := r.Deregister("bob", c.id)
	if !last {
		t.Error("expected last=true when the only connection leaves")
	}
	if r.Online("bob") {
		t.Error("bob should be offline after deregister")
	}
	if r.Broadcast("bob", []byte(`x`)) {
		t.Error("Broadcast should report false with no connections")
	}
}

func TestBroadcastToAbsentUser(t *testing.T) {
	r := NewRegistry(slog.Default())
	if r.Broadcast("nobody", []byte(`x`)) {
		t.Error("Broadcast to absent user should report false")
	}
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry(slog.Default())
	if last := r.Deregister("bob", "no-such-conn"); last {
		t.Error("deregister of unknown connection reported last=true")
	}
}

func TestMultiDeviceFanout(t *testing.T) {
	r := NewRegistry(slog.Default())
	server1, client1 := newWSPair(t)
	server2, client2 := newWSPair(t)

	c1 := r.Register("bob", server1)
	c2 := r.Register("bob", server2)
	if r.CountUser("bob") != 2 {
		t.Fatalf("CountUser: got %d, want 2", r.CountUser("bob"))
	}

	if !r.Broadcast("bob", []byte(`hello`)) {
		t.Fatal("Broadcast returned false")
	}
	if got := string(readFrame(t, client1)); got != "hello" {
		t.Errorf("device 1: got %s", got)
	}
	if got := string(readFrame(t, client2)); got != "hello" {
		t.Errorf("device 2: got %s", got)
	}

	// One device leaving is not "last"; the second is.
	if last := r.Deregister("bob", c1.id); last {
		t.Error("first deregister reported last=true")
	}
	if !r.Online("bob") {
		t.Error("bob should stay online with one device left")
	}
	if last := r.Deregister("bob", c2.id); !last {
		t.Error("second deregister should report last=true")
	}
}

func TestFailedWriteDoesNotFailSiblings(t *testing.T) {
	r := NewRegistry(slog.Default())
	deadServer, deadClient := newWSPair(t)
	liveServer, liveClient := newWSPair(t)

	r.Register("bob", deadServer)
	r.Register("bob", liveServer)

	// Kill one device's transport underneath the registry.
	deadServer.Close()
	deadClient.Close()

	if !r.Broadcast("bob", []byte(`still-here`)) {
		t.Fatal("Broadcast should succeed while one device is alive")
	}
	if got := string(readFrame(t, liveClient)); got != "still-here" {
		t.Errorf("live device: got %s", got)
	}
}

func TestNoSendAfterDeregister(t *testing.T) {
	r := NewRegistry(slog.Default())
	serverConn, _ := newWSPair(t)

	c := r.Register("bob", serverConn)
	r.Deregister("bob", c.id)

	if err := c.send([]byte(`late`)); err == nil {
		t.Fatal("send after deregister should fail")
	}
}

func TestRegisterCapped(t *testing.T) {
	r := NewRegistry(slog.Default())
	server1, _ := newWSPair(t)
	server2, _ := newWSPair(t)

	c1, ok := r.RegisterCapped("bob", server1, 1)
	if !ok || c1 == nil {
		t.Fatal("first connection should be accepted")
	}
	if _, ok := r.RegisterCapped("bob", server2, 1); ok {
		t.Fatal("second connection should be rejected at cap 1")
	}

	r.Deregister("bob", c1.id)
	if _, ok := r.RegisterCapped("bob", server2, 1); !ok {
		t.Fatal("connection should be accepted again after the slot freed")
	}
}

func TestConcurrentRegistry(t *testing.T) {
	r := NewRegistry(slog.Default())
	serverConn, clientConn := newWSPair(t)

	// Keep one stable reader so broadcasts have somewhere to go.
	r.Register("bob", serverConn)
	go func() {
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// One pair per worker, created up front; the workers only churn the
	// registry.
	const workers = 8
	conns := make([]*websocket.Conn, workers)
	for i := range conns {
		s, c := newWSPair(t)
		conns[i] = s
		go func() {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cl := r.Register("bob", conn)
				r.Broadcast("bob", []byte(`burst`))
				r.Online("bob")
				r.Deregister("bob", cl.id)
			}
		}(conns[i])
	}
	wg.Wait()

	if r.CountUser("bob") != 1 {
		t.Errorf("CountUser after churn: got %d, want 1", r.CountUser("bob"))
	}
}
