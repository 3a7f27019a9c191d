// Package flow holds the flow-key/flow/record data model shared by the
// capture worker (C2), socket index (C6) and aggregator (C8), grounded on
// orig:src/capture/flow.rs.
package flow

import (
	"fmt"
	"net"
)

// Protocol is the IP protocol number; ICMP/TCP/UDP are named, anything else
// is carried as its raw numeric value (mirrors orig:src/capture/flow.rs,
// which keeps Protocol::Other(u16) rather than a closed enum).
type Protocol uint16

const (
	ICMP Protocol = 1
	TCP  Protocol = 6
	UDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ICMP:
		return "ICMP"
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return fmt.Sprintf("proto(%d)", uint16(p))
	}
}

// Direction classifies a flow relative to the capturing interface's MAC.
type Direction int

const (
	Unknown Direction = iota
	In
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return "unknown"
	}
}

// Endpoint is an (address, port) pair. ICMP packs type<<8|code into Port so
// it can share this shape (spec.md §4.1).
type Endpoint struct {
	Addr net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Key identifies a flow: protocol plus both endpoints.
type Key struct {
	Protocol Protocol
	Src      Endpoint
	Dst      Endpoint
}

// MapKey returns a value usable as a Go map key: net.IP is a slice and
// cannot itself be a map key, so endpoints are flattened to strings.
func (k Key) MapKey() string {
	return fmt.Sprintf("%d|%s|%d|%s|%d", k.Protocol, k.Src.Addr, k.Src.Port, k.Dst.Addr, k.Dst.Port)
}

// Ethernet carries L2 context for a flow.
type Ethernet struct {
	Src  net.HardwareAddr
	Dst  net.HardwareAddr
	VLAN *uint16 // innermost VID after stripping single/nested tags
}

// TCP flag bits, spec.md §4.1 / orig:src/capture/flow.rs.
const (
	FlagFIN uint16 = 1 << 0
	FlagSYN uint16 = 1 << 1
	FlagRST uint16 = 1 << 2
	FlagPSH uint16 = 1 << 3
	FlagACK uint16 = 1 << 4
	FlagURG uint16 = 1 << 5
)

// Window carries TCP window size and optional WSCALE (parsed only when SYN
// is set, per spec.md §4.1).
type Window struct {
	Size  uint32
	Scale uint8
}

// Transport carries protocol-specific extras accumulated across a window.
type Transport struct {
	Seq    uint32 // first SYN's sequence number, TCP only
	Flags  uint16 // OR'd across the window, TCP only
	Window Window // TCP only
}

// Flow is a windowed aggregation under a Key: counters, timestamp (first),
// direction, Ethernet context, and transport extras. Grounded on
// orig:src/capture/flow.rs Flow.
type Flow struct {
	Key        Key
	Timestamp  int64 // unix nanos, first packet in the window
	Ethernet   Ethernet
	TOS        uint8  // OR'd across the window
	Transport  Transport
	Packets    uint64
	Fragments  uint16
	Bytes      uint64
	Sample     uint32 // active sample rate; 0 means unsampled
	Direction  Direction
	Interface  string
}

// Merge accumulates an incoming single-packet Flow into an existing
// in-window aggregate: add bytes, ++packets, OR the TOS and TCP flags.
// Invariant (spec.md §8): counters are monotonically non-decreasing within
// a window.
func (f *Flow) Merge(incoming *Flow) {
	f.Bytes += incoming.Bytes
	f.Packets++
	f.Fragments += incoming.Fragments
	f.TOS |= incoming.TOS
	f.Transport.Flags |= incoming.Transport.Flags
}

// TCPFlags returns the OR'd flag bits, or 0 for non-TCP flows.
func (f *Flow) TCPFlags() uint16 {
	if f.Key.Protocol != TCP {
		return 0
	}
	return f.Transport.Flags
}
