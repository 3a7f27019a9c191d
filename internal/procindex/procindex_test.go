package procindex

import (
	"errors"
	"testing"
	"time"
)

func newTestIndex() *Index {
	return &Index{
		entries: make(map[uint32]entry),
		ttl:     50 * time.Millisecond,
		scan:    time.Hour,
		lookup: func(pid uint32) (Process, error) {
			return Process{PID: pid, Comm: "testproc"}, nil
		},
		list: func() ([]Process, error) { return nil, nil },
	}
}

func TestGetCachesLookupResult(t *testing.T) {
	ix := newTestIndex()
	calls := 0
	ix.lookup = func(pid uint32) (Process, error) {
		calls++
		return Process{PID: pid, Comm: "one"}, nil
	}

	p1 := ix.Get(7)
	p2 := ix.Get(7)
	if p1.Comm != "one" || p2.Comm != "one" {
		t.Fatalf("unexpected process: %+v %+v", p1, p2)
	}
	if calls != 1 {
		t.Errorf("lookup called %d times, want 1 (second Get should hit cache)", calls)
	}
}

func TestGetReturnsZeroValueOnLookupFailure(t *testing.T) {
	ix := newTestIndex()
	ix.lookup = func(pid uint32) (Process, error) {
		return Process{}, errNotFound
	}
	p := ix.Get(99)
	if p.PID != 99 || p.Comm != "" {
		t.Errorf("Get on failed lookup = %+v, want zero Comm with PID set", p)
	}
}

func TestReapEvictsStaleEntries(t *testing.T) {
	ix := newTestIndex()
	ix.Get(1)
	time.Sleep(60 * time.Millisecond)
	ix.reap()

	ix.mu.Lock()
	_, ok := ix.entries[1]
	ix.mu.Unlock()
	if ok {
		t.Error("expected stale entry to be reaped")
	}
}

var errNotFound = errors.New("not found")
