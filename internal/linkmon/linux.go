//go:build linux

package linkmon

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/netlink"

	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/logging"
)

// rtnetlink constants not exported by mdlayher/netlink (it only supplies the
// generic header framing; message bodies are ours to build, same as
// Spellinfo-sstop's hand-rolled inet_diag request/response structs).
const (
	rtmGetLink = 18
	rtmNewLink = 16
	rtmDelLink = 17

	nlmFRequest = 0x1
	nlmFDump    = 0x100 | 0x200 // NLM_F_ROOT | NLM_F_MATCH

	afUnspec = 0

	iflaAddress     = 1
	iflaIfname      = 3
	iflaLink        = 5
	iflaLinkNetnsid = 25

	iffUp      = 0x1
	iffPromisc = 0x100

	rtnlGroupLink = 1

	ifinfomsgLen = 16
)

type linuxMonitor struct {
	conn   *netlink.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewMonitor opens a route-netlink socket, emits Add for every currently-up
// interface, then joins RTNLGRP_LINK and streams NEWLINK/DELLINK transitions.
func NewMonitor() (Monitor, error) {
	conn, err := netlink.Dial(0 /* NETLINK_ROUTE */, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "dial rtnetlink")
	}

	m := &linuxMonitor{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	links, err := m.dump()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.IO, err, "initial link dump")
	}

	go m.run(links)
	return m, nil
}

func (m *linuxMonitor) Events() <-chan Event { return m.events }

func (m *linuxMonitor) Close() error {
	m.once.Do(func() { close(m.done) })
	return m.conn.Close()
}

type link struct {
	index  uint32
	name   string
	mac    net.HardwareAddr
	flags  uint32
	change uint32

	peerIndex uint32
	peerNSID  int32
	hasPeer   bool

	hasPeerIndex bool
	hasPeerNSID  bool
}

// dump performs the initial RTM_GETLINK NLM_F_DUMP request. Grounded on
// orig:src/link/linux/links.rs links().
func (m *linuxMonitor) dump() ([]link, error) {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  rtmGetLink,
			Flags: nlmFRequest | nlmFDump,
		},
		Data: []byte{afUnspec, 0, 0, 0},
	}

	msgs, err := m.conn.Execute(req)
	if err != nil {
		return nil, err
	}

	links := make([]link, 0, len(msgs))
	for _, raw := range msgs {
		l, err := parseLink(raw.Data)
		if err != nil {
			continue
		}
		links = append(links, l)
	}
	return links, nil
}

// run emits Add for every initially-up link, then joins the link multicast
// group and streams transitions until Close. Mirrors orig's monitor().
func (m *linuxMonitor) run(initial []link) {
	log := logging.With("linkmon")
	defer close(m.events)

	for _, l := range initial {
		if l.flags&iffUp != 0 {
			m.emit(addEvent(l))
		}
	}

	if err := m.conn.JoinGroup(rtnlGroupLink); err != nil {
		log.WithError(err).Error("join RTNLGRP_LINK failed, link monitor degraded to initial dump only")
		return
	}

	for {
		select {
		case <-m.done:
			return
		default:
		}

		msgs, err := m.conn.Receive()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			log.WithError(err).Error("rtnetlink receive failed")
			return
		}

		for _, raw := range msgs {
			l, err := parseLink(raw.Data)
			if err != nil {
				continue
			}

			switch raw.Header.Type {
			case rtmNewLink:
				// Skip our own promisc-enabling writes refiring as churn
				// (orig: "change bit for PROMISC is zero").
				if l.flags&iffUp != 0 && l.change&iffPromisc == 0 {
					m.emit(addEvent(l))
				}
			case rtmDelLink:
				m.emit(Event{Kind: Delete, Name: l.name})
			}
		}
	}
}

func (m *linuxMonitor) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.done:
	}
}

func addEvent(l link) Event {
	name := l.name
	device, mac, enterNetns, err := resolvePeer(l)
	if err != nil {
		return Event{Kind: Error, Name: name, Cause: err}
	}
	return Event{Kind: Add, Name: name, Device: device, MAC: mac, EnterNetns: enterNetns}
}

// resolvePeer returns the interface to actually capture on: the link itself
// when it has no netns peer, or the peer's interface name/MAC plus an
// EnterNetns closure when it does (orig:src/link/linux/peer.rs).
func resolvePeer(l link) (device string, mac net.HardwareAddr, enterNetns func() error, err error) {
	if !l.hasPeer {
		return l.name, l.mac, nil, nil
	}

	ns, err := findNetns(l.peerNSID)
	if err != nil {
		return "", nil, nil, errs.Wrap(errs.IO, err, "resolve peer netns for %s", l.name)
	}

	peer, err := linkAt(ns, l.peerIndex)
	if err != nil {
		ns.close()
		return "", nil, nil, errs.Wrap(errs.IO, err, "resolve peer link for %s", l.name)
	}

	return peer.name, peer.mac, func() error { return ns.enter() }, nil
}

// parseLink walks an ifinfomsg + NLA attribute stream. Grounded on
// orig:src/link/linux/links.rs link().
func parseLink(data []byte) (link, error) {
	if len(data) < ifinfomsgLen {
		return link{}, fmt.Errorf("short ifinfomsg: %d bytes", len(data))
	}

	l := link{
		index: binary.LittleEndian.Uint32(data[4:8]),
		flags: binary.LittleEndian.Uint32(data[8:12]),
	}
	// ifi_change sits alongside ifi_flags in NEWLINK/DELLINK notifications.
	if len(data) >= ifinfomsgLen {
		l.change = binary.LittleEndian.Uint32(data[12:16])
	}

	for attrs := data[ifinfomsgLen:]; len(attrs) >= 4; {
		attrLen := int(binary.LittleEndian.Uint16(attrs[0:2]))
		attrType := binary.LittleEndian.Uint16(attrs[2:4]) &^ 0x8000 // strip NLA_F_NESTED
		if attrLen < 4 || attrLen > len(attrs) {
			break
		}
		value := attrs[4:attrLen]

		switch attrType {
		case iflaIfname:
			l.name = cString(value)
		case iflaAddress:
			if len(value) == 6 {
				l.mac = net.HardwareAddr(append([]byte(nil), value...))
			}
		case iflaLink:
			if len(value) == 4 {
				l.peerIndex = binary.LittleEndian.Uint32(value)
				l.hasPeerIndex = true
			}
		case iflaLinkNetnsid:
			if len(value) == 4 {
				l.peerNSID = int32(binary.LittleEndian.Uint32(value))
				l.hasPeerNSID = true
			}
		}

		advance := (attrLen + 3) &^ 3 // round up to 4-byte NLA alignment
		if advance <= 0 || advance > len(attrs) {
			break
		}
		attrs = attrs[advance:]
	}

	l.hasPeer = l.hasPeerIndex && l.hasPeerNSID
	if !l.hasPeer {
		l.peerNSID = -1
	}
	return l, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
