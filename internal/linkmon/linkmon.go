// Package linkmon implements C3, the link monitor: discovers up/down
// interface transitions and resolves peer interfaces that live in another
// network namespace (container veths). Grounded on orig:src/link/{mod.rs,
// linux/{links,monitor,peer}.rs} for event shape and filtering rules, and on
// Spellinfo-sstop's internal/platform/linux.go for the mdlayher/netlink
// "build netlink.Message by hand" idiom.
package linkmon

import "net"

// EventKind classifies a Monitor event.
type EventKind int

const (
	Add EventKind = iota
	Delete
	Error
)

// Event mirrors orig:src/link/mod.rs's Event/Add: Name is the interface as
// seen locally; Device/MAC/EnterNetns describe the capture-side interface,
// which may live across a netns boundary for container veths.
type Event struct {
	Kind EventKind
	Name string

	// Device is the interface to actually open for capture: usually equal
	// to Name, but the peer's name when this link has a netns peer.
	Device string
	MAC    net.HardwareAddr

	// EnterNetns, non-nil only when this link has a resolved peer netns,
	// switches the calling (locked) OS thread into that namespace. Must be
	// called on the same thread that subsequently opens the capture handle.
	EnterNetns func() error

	// Cause carries the error for Kind == Error.
	Cause error
}

// Monitor yields link Events until Close.
type Monitor interface {
	Events() <-chan Event
	Close() error
}
