// Package probe implements C4: loading the kernel-probe bytecode object,
// attaching its kprobes, and pumping the per-CPU event rings into a typed
// Event stream. No ELF/eBPF loader library exists anywhere in the example
// corpus (cilium/cilium is pulled in elsewhere only for its Hubble gRPC
// client, not its loader internals) — this package is therefore the one
// subsystem built directly on debug/elf + golang.org/x/sys/unix rather than
// a wire-able third-party dependency. Grounded line-for-line in approach on
// orig:ebpf-0.0.4/src/{elf,bpf,sys}.rs and orig:src/sockets/linux/monitor.rs
// (the Data struct, the event-kind mapping, the poll loop shape).
package probe

import (
	"net"
	"time"

	"github.com/otus-agent/otus/internal/flow"
)

// Kind mirrors the 5-value taxonomy the kernel-side bytecode emits,
// bit-exact with orig:src/sockets/mod.rs's Kind and the wire values the
// kprobes write into Data.event.
type Kind uint32

const (
	Connect Kind = 1
	Accept  Kind = 2
	TX      Kind = 3
	RX      Kind = 4
	Close   Kind = 5
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Accept:
		return "accept"
	case TX:
		return "tx"
	case RX:
		return "rx"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a single socket lifecycle notification from the kernel probes,
// carrying the full fixed-layout tuple spec.md §4.4 mandates: kind, pid,
// proto, src/dst, and srtt.
type Event struct {
	Kind  Kind
	PID   uint32
	Proto flow.Protocol
	Src   net.TCPAddr
	Dst   net.TCPAddr
	SRTT  time.Duration
	Seen  time.Time
}

// Source streams Events until Close.
type Source interface {
	Events() <-chan Event
	Close() error
}

// rawData is the wire layout the kprobes write into the perf event array:
// the fixed record spec.md §4.4 mandates, `{kind, pid, proto, saddr, sport,
// daddr, dport, srtt}` — one tag wider than orig:src/sockets/linux/monitor.rs's
// Data struct, which narrows to IPv4 TCP only and drops proto/srtt; those
// two fields are restored here since spec.md is authoritative over that
// narrower original. Go-side struct field order must not change: it is read
// directly out of the mmap'd ring via encoding/binary, not reflection.
type rawData struct {
	Event uint32
	PID   uint32
	Proto uint32
	SAddr uint32
	SPort uint32
	DAddr uint32
	DPort uint32
	SRTT  uint64 // microseconds
}

const rawDataLen = 36
