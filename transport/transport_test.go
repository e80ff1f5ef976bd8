package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInboundQueueFIFOAndOverflow(t *testing.T) {
	q := NewInboundQueue(3, nil)
	for i := 0; i < 3; i++ {
		if !q.Push([]byte{byte(i)}) {
			t.Fatalf("push %d rejected below capacity", i)
		}
	}
	if q.Push([]byte{9}) {
		t.Fatalf("push accepted beyond capacity")
	}
	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d packets, expected 3", len(got))
	}
	for i, packet := range got {
		if packet[0] != byte(i) {
			t.Fatalf("packet %d out of order: %v", i, packet)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain")
	}
	if !q.Push([]byte{7}) {
		t.Fatalf("push rejected after drain freed capacity")
	}
}

func TestMemoryPairDelivers(t *testing.T) {
	a, b := NewMemoryPair(Conditions{}, nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	for i := 0; i < 5; i++ {
		if err := a.Send([]byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	got := b.Receive()
	if len(got) != 5 {
		t.Fatalf("received %d packets, expected 5", len(got))
	}
	for i, packet := range got {
		if string(packet) != fmt.Sprintf("p%d", i) {
			t.Fatalf("packet %d = %q", i, packet)
		}
	}
	if len(b.Receive()) != 0 {
		t.Fatalf("second receive must be empty")
	}
}

func TestMemoryPairSendCopiesPayload(t *testing.T) {
	a, b := NewMemoryPair(Conditions{}, nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	buf := []byte("original")
	a.Send(buf)
	copy(buf, "clobber!")
	got := b.Receive()
	if len(got) != 1 || !bytes.Equal(got[0], []byte("original")) {
		t.Fatalf("received packet aliased the sender's buffer")
	}
}

func TestMemoryPairLossIsDeterministic(t *testing.T) {
	run := func() int {
		a, b := NewMemoryPair(Conditions{LossRate: 0.5, Seed: 42}, nil)
		defer a.Close()
		defer b.Close()
		for i := 0; i < 100; i++ {
			a.Send([]byte{byte(i)})
		}
		return len(b.Receive())
	}
	first := run()
	if first == 0 || first == 100 {
		t.Fatalf("50%% loss delivered %d of 100 packets", first)
	}
	if second := run(); second != first {
		t.Fatalf("same seed delivered %d then %d packets", first, second)
	}
}

func TestMemoryPairReorderSwapsNeighbors(t *testing.T) {
	a, b := NewMemoryPair(Conditions{ReorderRate: 1.0, Seed: 1}, nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	a.Send([]byte{0})
	a.Send([]byte{1})
	got := b.Receive()
	if len(got) != 2 {
		t.Fatalf("received %d packets, expected 2", len(got))
	}
	if got[0][0] != 1 || got[1][0] != 0 {
		t.Fatalf("expected swapped order, got %v then %v", got[0], got[1])
	}
}

func TestMemoryPairCloseStopsTraffic(t *testing.T) {
	a, b := NewMemoryPair(Conditions{}, nil)
	b.Close()
	if a.IsConnected() {
		t.Fatalf("link reports connected after peer closed")
	}
	a.Close()
	if err := a.Send([]byte{1}); err != ErrClosed {
		t.Fatalf("send on closed link returned %v", err)
	}
}

func TestUDPLinkRoundTrip(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	client, err := DialUDP(listener.LocalAddr().String(), nil, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	var peer *UDPPeerLink
	select {
	case peer = <-listener.Accept():
	case <-time.After(2 * time.Second):
		t.Fatalf("no peer surfaced on the listener")
	}

	deadline := time.Now().Add(2 * time.Second)
	var got [][]byte
	for len(got) == 0 && time.Now().Before(deadline) {
		got = peer.Receive()
		if len(got) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("server received %d packets", len(got))
	}

	if err := peer.Send([]byte("world")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	got = nil
	deadline = time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		got = client.Receive()
		if len(got) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) != 1 || string(got[0]) != "world" {
		t.Fatalf("client received %d packets", len(got))
	}
}

func TestUDPLinkRejectsOversized(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	client, err := DialUDP(listener.LocalAddr().String(), nil, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Send(make([]byte, MaxDatagramSize+1)); err != ErrPacketTooLarge {
		t.Fatalf("oversized send returned %v", err)
	}
}

func TestWebSocketLinkRoundTrip(t *testing.T) {
	serverLinks := make(chan *WebSocketLink, 1)
	handler := NewWSHandler(WSHandlerConfig{}, func(link *WebSocketLink, _ *http.Request) {
		serverLinks <- link
	})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(url, nil, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var server *WebSocketLink
	select {
	case server = <-serverLinks:
	case <-time.After(2 * time.Second):
		t.Fatalf("server link never surfaced")
	}
	t.Cleanup(func() { server.Close() })

	if err := client.Send([]byte("ping-payload")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	var got [][]byte
	for len(got) == 0 && time.Now().Before(deadline) {
		got = server.Receive()
		if len(got) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) != 1 || string(got[0]) != "ping-payload" {
		t.Fatalf("server received %d packets", len(got))
	}

	if err := server.Send([]byte("pong-payload")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	got = nil
	deadline = time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		got = client.Receive()
		if len(got) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(got) != 1 || string(got[0]) != "pong-payload" {
		t.Fatalf("client received %d packets", len(got))
	}
}
