package flow

import (
	"encoding/binary"
	"net"
	"testing"
)

func ethFrame(src, dst net.HardwareAddr, etherType uint16, payload []byte) []byte {
	buf := make([]byte, 14+len(payload))
	copy(buf[0:6], dst)
	copy(buf[6:12], src)
	binary.BigEndian.PutUint16(buf[12:14], etherType)
	copy(buf[14:], payload)
	return buf
}

func vlanTag(vid uint16, inner uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], vid&0x0FFF)
	binary.BigEndian.PutUint16(buf[2:4], inner)
	copy(buf[4:], payload)
	return buf
}

func ipv4Packet(src, dst net.IP, proto uint8, payload []byte) []byte {
	total := 20 + len(payload)
	buf := make([]byte, total)
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	buf[8] = 64
	buf[9] = proto
	copy(buf[12:16], src.To4())
	copy(buf[16:20], dst.To4())
	copy(buf[20:], payload)
	return buf
}

func ipv6Packet(src, dst net.IP, proto uint8, payload []byte) []byte {
	buf := make([]byte, 40+len(payload))
	buf[0] = 0x60
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf[6] = proto
	buf[7] = 64
	copy(buf[8:24], src.To16())
	copy(buf[24:40], dst.To16())
	copy(buf[40:], payload)
	return buf
}

func tcpSegment(sport, dport uint16, seq uint32, flags byte) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], sport)
	binary.BigEndian.PutUint16(buf[2:4], dport)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	buf[12] = 5 << 4
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], 65535)
	return buf
}

func udpSegment(sport, dport uint16, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], sport)
	binary.BigEndian.PutUint16(buf[2:4], dport)
	binary.BigEndian.PutUint16(buf[4:6], uint16(8+len(payload)))
	copy(buf[8:], payload)
	return buf
}

// scenario 1: single TCP flow, direction + byte count.
func TestDecodeTCPDirectionAndBytes(t *testing.T) {
	ifaceMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	peerMAC := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	tcp := tcpSegment(443, 51234, 1000, 0x02) // SYN
	ip := ipv4Packet(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 6, tcp)
	frame := ethFrame(peerMAC, ifaceMAC, etherTypeIPv4, ip)

	fl, ok := Decode(ifaceMAC, 1000, frame, len(frame))
	if !ok || fl == nil {
		t.Fatalf("decode failed")
	}
	if fl.Direction != In {
		t.Errorf("direction = %v, want In (dst MAC matches iface)", fl.Direction)
	}
	if fl.Key.Protocol != TCP {
		t.Errorf("protocol = %v, want TCP", fl.Key.Protocol)
	}
	if fl.Key.Src.Port != 443 || fl.Key.Dst.Port != 51234 {
		t.Errorf("ports = %d/%d, want 443/51234", fl.Key.Src.Port, fl.Key.Dst.Port)
	}
	wantBytes := len(frame) - ethHeaderLen
	if int(fl.Bytes) != wantBytes {
		t.Errorf("bytes = %d, want %d", fl.Bytes, wantBytes)
	}
	if fl.Transport.Flags&FlagSYN == 0 {
		t.Error("expected SYN flag set")
	}
}

// scenario 2: VLAN-encapsulated IPv6 UDP.
func TestDecodeVLANEncapsulatedIPv6UDP(t *testing.T) {
	ifaceMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	peerMAC := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2001:db8::2")
	udp := udpSegment(5353, 53, []byte("hello"))
	ip6 := ipv6Packet(src, dst, 17, udp)
	tagged := vlanTag(42, etherTypeIPv6, ip6)
	frame := ethFrame(ifaceMAC, peerMAC, etherTypeVLAN, tagged)

	fl, ok := Decode(ifaceMAC, 2000, frame, len(frame))
	if !ok || fl == nil {
		t.Fatalf("decode failed")
	}
	if fl.Ethernet.VLAN == nil || *fl.Ethernet.VLAN != 42 {
		t.Errorf("vlan = %v, want 42", fl.Ethernet.VLAN)
	}
	if fl.Key.Protocol != UDP {
		t.Errorf("protocol = %v, want UDP", fl.Key.Protocol)
	}
	if fl.Key.Src.Port != 5353 || fl.Key.Dst.Port != 53 {
		t.Errorf("ports = %d/%d, want 5353/53", fl.Key.Src.Port, fl.Key.Dst.Port)
	}
	if fl.Direction != Out {
		t.Errorf("direction = %v, want Out (src MAC matches iface)", fl.Direction)
	}
	if !fl.Key.Src.Addr.Equal(src) || !fl.Key.Dst.Addr.Equal(dst) {
		t.Errorf("addrs = %s/%s, want %s/%s", fl.Key.Src.Addr, fl.Key.Dst.Addr, src, dst)
	}
}

// A snaplen-truncated capture must still report the full wire length as
// Bytes, not the truncated slice length — otherwise every frame larger than
// snaplen under-counts traffic volume.
func TestDecodeBytesUsesWireLengthNotCapturedLength(t *testing.T) {
	ifaceMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	peerMAC := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	tcpHeader := tcpSegment(443, 51234, 1000, 0x02)
	appPayload := make([]byte, 1000)
	tcpFull := append(append([]byte(nil), tcpHeader...), appPayload...)
	ip := ipv4Packet(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 6, tcpFull)
	frame := ethFrame(peerMAC, ifaceMAC, etherTypeIPv4, ip)

	const snaplen = ethHeaderLen + ipv4MinHeaderLen + tcpMinHeaderLen
	truncated := frame[:snaplen]
	wireLen := len(frame)

	fl, ok := Decode(ifaceMAC, 1000, truncated, wireLen)
	if !ok || fl == nil {
		t.Fatalf("decode failed")
	}
	wantBytes := wireLen - ethHeaderLen
	if int(fl.Bytes) != wantBytes {
		t.Errorf("bytes = %d, want %d (wire length), not the truncated capture length %d", fl.Bytes, wantBytes, len(truncated)-ethHeaderLen)
	}
}

func TestDecodeTruncatedFrameFails(t *testing.T) {
	if _, ok := Decode(nil, 0, []byte{0x00, 0x01, 0x02}, 0); ok {
		t.Error("expected decode to fail on truncated frame")
	}
}

func TestDecodeNonIPEtherTypeFails(t *testing.T) {
	frame := ethFrame(net.HardwareAddr{1, 2, 3, 4, 5, 6}, net.HardwareAddr{6, 5, 4, 3, 2, 1}, 0x0806, []byte{0, 0, 0, 0})
	if _, ok := Decode(nil, 0, frame, 0); ok {
		t.Error("expected decode to fail on ARP etherType")
	}
}

func TestParseWSCALEOnlyOnSYN(t *testing.T) {
	opts := []byte{3, 3, 7, 0} // kind=3(WSCALE) len=3 shift=7, then EOL
	tcp := make([]byte, 20+len(opts))
	copy(tcp, tcpSegment(1, 2, 0, 0x02)) // SYN
	tcp[12] = byte((20 + len(opts)) / 4 << 4)
	copy(tcp[20:], opts)

	_, _, _, flags, window, ok := decodeTCP(tcp)
	if !ok {
		t.Fatalf("decodeTCP failed")
	}
	if flags&FlagSYN == 0 {
		t.Fatal("expected SYN set")
	}
	if window.Scale != 7 {
		t.Errorf("window scale = %d, want 7", window.Scale)
	}

	ack := make([]byte, 20+len(opts))
	copy(ack, tcpSegment(1, 2, 0, 0x10)) // ACK only, no SYN
	ack[12] = byte((20 + len(opts)) / 4 << 4)
	copy(ack[20:], opts)
	_, _, _, _, window, ok = decodeTCP(ack)
	if !ok {
		t.Fatalf("decodeTCP failed on non-SYN segment")
	}
	if window.Scale != 0 {
		t.Errorf("non-SYN window scale = %d, want 0", window.Scale)
	}
}
