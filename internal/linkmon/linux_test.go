//go:build linux

package linkmon

import (
	"encoding/binary"
	"net"
	"testing"
)

func nlaString(attrType uint16, s string) []byte {
	v := append([]byte(s), 0)
	return nla(attrType, v)
}

func nla(attrType uint16, value []byte) []byte {
	length := 4 + len(value)
	padded := (length + 3) &^ 3
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(length))
	binary.LittleEndian.PutUint16(buf[2:4], attrType)
	copy(buf[4:], value)
	return buf
}

func nla4(attrType uint16, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return nla(attrType, b)
}

func TestParseLinkBasic(t *testing.T) {
	data := make([]byte, ifinfomsgLen)
	binary.LittleEndian.PutUint32(data[4:8], 3)            // index
	binary.LittleEndian.PutUint32(data[8:12], iffUp)       // flags
	binary.LittleEndian.PutUint32(data[12:16], iffPromisc) // change

	data = append(data, nlaString(iflaIfname, "eth0")...)
	data = append(data, nla(iflaAddress, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})...)

	l, err := parseLink(data)
	if err != nil {
		t.Fatalf("parseLink: %v", err)
	}
	if l.index != 3 {
		t.Errorf("index = %d, want 3", l.index)
	}
	if l.name != "eth0" {
		t.Errorf("name = %q, want eth0", l.name)
	}
	if !l.mac.Equal(net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}) {
		t.Errorf("mac = %v", l.mac)
	}
	if l.flags&iffUp == 0 {
		t.Error("expected IFF_UP set")
	}
	if l.hasPeer {
		t.Error("expected no peer")
	}
}

func TestParseLinkWithPeer(t *testing.T) {
	data := make([]byte, ifinfomsgLen)
	binary.LittleEndian.PutUint32(data[4:8], 7)
	binary.LittleEndian.PutUint32(data[8:12], iffUp)

	data = append(data, nlaString(iflaIfname, "veth0")...)
	data = append(data, nla4(iflaLink, 9)...)
	data = append(data, nla4(iflaLinkNetnsid, 2)...)

	l, err := parseLink(data)
	if err != nil {
		t.Fatalf("parseLink: %v", err)
	}
	if !l.hasPeer {
		t.Fatal("expected peer to be resolved")
	}
	if l.peerIndex != 9 || l.peerNSID != 2 {
		t.Errorf("peer = (%d, %d), want (9, 2)", l.peerIndex, l.peerNSID)
	}
}

func TestParseLinkTruncatedFails(t *testing.T) {
	if _, err := parseLink([]byte{0, 1, 2}); err == nil {
		t.Error("expected error on truncated ifinfomsg")
	}
}
