package collector

import (
	"net"
	"testing"
	"time"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/sockindex"
	"github.com/otus-agent/otus/internal/wire"
)

func TestForwardSendWritesLengthFramedJSON(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	f := NewForward(ln.Addr().String(), "host1")
	defer f.Close()

	records := []sockindex.Record{{Flow: flow.Flow{Key: flow.Key{Protocol: flow.TCP}}}}
	if err := f.Send(records); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := wire.NewReader(conn)
	var got []wireRecord
	if err := r.ReadFrame(&got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Node != "host1" {
		t.Errorf("Node = %q, want host1", got[0].Node)
	}
}

func TestForwardSendFailsWhenAggregatorUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing is listening anymore

	f := NewForward(addr, "host1")
	defer f.Close()

	if err := f.Send(nil); err == nil {
		t.Fatal("expected an error when the aggregator is unreachable")
	}
}

func TestForwardSendProcessReport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	f := NewForward(ln.Addr().String(), "host1")
	defer f.Close()

	if err := f.SendProcessReport("host1", nil); err != nil {
		t.Fatalf("SendProcessReport: %v", err)
	}

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
	}
}
