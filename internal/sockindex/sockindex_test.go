package sockindex

import (
	"net"
	"testing"
	"time"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/procindex"
)

func ep(ip string, port uint16) flow.Endpoint {
	return flow.Endpoint{Addr: net.ParseIP(ip), Port: port}
}

func TestUpdateIsFirstWriterWinsForProcess(t *testing.T) {
	s := New()
	src, dst := ep("10.0.0.1", 1234), ep("10.0.0.2", 80)

	s.Update(Event{Kind: Connect, Proto: flow.TCP, Src: src, Dst: dst,
		Proc: procindex.Process{PID: 1, Comm: "first"}, SRTT: 10 * time.Millisecond})
	s.Update(Event{Kind: TX, Proto: flow.TCP, Src: src, Dst: dst,
		Proc: procindex.Process{PID: 2, Comm: "second"}, SRTT: 20 * time.Millisecond})

	key := flow.Key{Protocol: flow.TCP, Src: src, Dst: dst}.MapKey()
	s.mu.Lock()
	sock := s.socks[key]
	s.mu.Unlock()

	if sock.proc.Comm != "first" {
		t.Errorf("proc = %q, want first-writer-wins \"first\"", sock.proc.Comm)
	}
	if sock.srtt != 20*time.Millisecond {
		t.Errorf("srtt = %v, want last-writer-wins 20ms", sock.srtt)
	}
}

func TestUpdateCloseIsNoop(t *testing.T) {
	s := New()
	src, dst := ep("10.0.0.1", 1234), ep("10.0.0.2", 80)
	s.Update(Event{Kind: Close, Proto: flow.TCP, Src: src, Dst: dst})

	if len(s.socks) != 0 {
		t.Error("Close should not create a socket entry")
	}
}

func TestMergeAttributesBothDirections(t *testing.T) {
	s := New()
	src, dst := ep("10.0.0.1", 1234), ep("10.0.0.2", 80)

	s.Update(Event{Kind: Connect, Proto: flow.TCP, Src: src, Dst: dst,
		Proc: procindex.Process{PID: 1, Comm: "client"}})
	s.Update(Event{Kind: Accept, Proto: flow.TCP, Src: dst, Dst: src,
		Proc: procindex.Process{PID: 2, Comm: "server"}})

	f := flow.Flow{Key: flow.Key{Protocol: flow.TCP, Src: src, Dst: dst}}
	records := s.Merge([]flow.Flow{f})

	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.Src == nil || r.Src.Comm != "client" {
		t.Errorf("Src = %v, want client", r.Src)
	}
	if r.Dst == nil || r.Dst.Comm != "server" {
		t.Errorf("Dst = %v, want server", r.Dst)
	}
}

func TestCompactEvictsExpired(t *testing.T) {
	s := New()
	s.timeout = 10 * time.Millisecond
	src, dst := ep("10.0.0.1", 1234), ep("10.0.0.2", 80)
	s.Update(Event{Kind: Connect, Proto: flow.TCP, Src: src, Dst: dst})

	time.Sleep(20 * time.Millisecond)
	s.Compact()

	if len(s.socks) != 0 {
		t.Error("expected expired socket to be evicted")
	}
}
