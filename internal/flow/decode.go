package flow

import (
	"encoding/binary"
	"net"
)

// C1 Packet decoder. Parses a raw Ethernet frame into a single-packet Flow
// (Packets=1). Adapted from the teacher's internal/core/decoder/*.go
// byte-offset parsing idiom, retargeted from SIP/RTP correlation to
// flow-key extraction, and grounded on orig:src/capture/decode.rs for
// decode order and edge-case handling.
//
// Decode never panics; malformed or too-short frames return (nil, false)
// per spec.md §4.1 "Fails with None".

const (
	ethHeaderLen  = 14
	vlanTagLen    = 4
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8

	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40

	tcpMinHeaderLen = 20
	udpHeaderLen    = 8

	tcpOptWSCALE = 3
)

// Decode parses capturedFrame (the bytes libpcap handed back, possibly
// truncated to snaplen) into a Flow. iface is this interface's MAC, used to
// derive Direction; nil if unknown. ts is the capture timestamp (unix
// nanos). wireLen is the frame's length on the wire before any snaplen
// truncation (gopacket.CaptureInfo.Length); Bytes is derived from it rather
// than from the possibly-truncated capturedFrame, matching orig:src/capture/decode.rs's
// use of cap.header.len. Returns (nil, false) for anything undecodable or
// non-IP.
func Decode(iface net.HardwareAddr, ts int64, capturedFrame []byte, wireLen int) (*Flow, bool) {
	if len(capturedFrame) < ethHeaderLen {
		return nil, false
	}

	dst := net.HardwareAddr(append([]byte(nil), capturedFrame[0:6]...))
	src := net.HardwareAddr(append([]byte(nil), capturedFrame[6:12]...))
	etherType := binary.BigEndian.Uint16(capturedFrame[12:14])
	offset := ethHeaderLen

	var vlan *uint16
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(capturedFrame) < offset+vlanTagLen {
			return nil, false
		}
		tci := binary.BigEndian.Uint16(capturedFrame[offset : offset+2])
		vid := tci & 0x0FFF
		vlan = &vid
		etherType = binary.BigEndian.Uint16(capturedFrame[offset+2 : offset+4])
		offset += vlanTagLen
	}

	eth := Ethernet{Src: src, Dst: dst, VLAN: vlan}

	ipPayload := capturedFrame[offset:]

	var srcAddr, dstAddr net.IP
	var tos uint8
	var proto uint8
	var transportPayload []byte

	switch etherType {
	case etherTypeIPv4:
		var ok bool
		srcAddr, dstAddr, tos, proto, transportPayload, ok = decodeIPv4(ipPayload)
		if !ok {
			return nil, false
		}
	case etherTypeIPv6:
		var ok bool
		srcAddr, dstAddr, tos, proto, transportPayload, ok = decodeIPv6(ipPayload)
		if !ok {
			return nil, false
		}
	default:
		return nil, false
	}

	// IPv4-in-IPv4 encapsulation: unwrap exactly once (spec.md §4.1).
	if proto == 4 {
		if inner, ok := tryUnwrapIPv4(transportPayload); ok {
			srcAddr, dstAddr, tos, proto, transportPayload = inner.src, inner.dst, inner.tos, inner.proto, inner.payload
		}
	}

	key := Key{Src: Endpoint{Addr: srcAddr}, Dst: Endpoint{Addr: dstAddr}}
	var transport Transport

	switch proto {
	case 6: // TCP
		sport, dport, seq, flags, window, ok := decodeTCP(transportPayload)
		if !ok {
			return nil, false
		}
		key.Protocol = TCP
		key.Src.Port = sport
		key.Dst.Port = dport
		transport = Transport{Seq: seq, Flags: flags, Window: window}
	case 17: // UDP
		sport, dport, ok := decodeUDP(transportPayload)
		if !ok {
			return nil, false
		}
		key.Protocol = UDP
		key.Src.Port = sport
		key.Dst.Port = dport
	case 1, 58: // ICMP, ICMPv6
		packed, ok := decodeICMP(transportPayload)
		if !ok {
			return nil, false
		}
		key.Protocol = ICMP
		key.Dst.Port = packed
	default:
		key.Protocol = Protocol(proto)
	}

	// A wireLen shorter than what was actually captured is nonsensical
	// (the wire length can never be less than the captured length); treat
	// that, along with an unset (<=0) wireLen, as "unknown" and fall back
	// to the captured length.
	if wireLen < len(capturedFrame) {
		wireLen = len(capturedFrame)
	}
	bytes := wireLen - offset
	if bytes < 0 {
		bytes = 0
	}

	direction := Unknown
	if iface != nil {
		switch {
		case macEqual(iface, dst):
			direction = In
		case macEqual(iface, src):
			direction = Out
		}
	}

	return &Flow{
		Key:       key,
		Timestamp: ts,
		Ethernet:  eth,
		TOS:       tos,
		Transport: transport,
		Packets:   1,
		Bytes:     uint64(bytes),
		Direction: direction,
	}, true
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeIPv4(data []byte) (src, dst net.IP, tos, proto uint8, payload []byte, ok bool) {
	if len(data) < 1 {
		return
	}
	ihl := data[0] & 0x0F
	headerLen := int(ihl) * 4
	if headerLen < ipv4MinHeaderLen || len(data) < headerLen {
		return
	}

	tos = data[1]
	totalLen := binary.BigEndian.Uint16(data[2:4])
	proto = data[9]
	src = net.IP(append([]byte(nil), data[12:16]...))
	dst = net.IP(append([]byte(nil), data[16:20]...))

	// Truncated capture: accept up to the captured bytes (spec.md §4.1).
	end := int(totalLen)
	if end > len(data) || end < headerLen {
		end = len(data)
	}
	payload = data[headerLen:end]
	ok = true
	return
}

type ipv4Unwrap struct {
	src, dst net.IP
	tos      uint8
	proto    uint8
	payload  []byte
}

func tryUnwrapIPv4(data []byte) (ipv4Unwrap, bool) {
	src, dst, tos, proto, payload, ok := decodeIPv4(data)
	if !ok {
		return ipv4Unwrap{}, false
	}
	return ipv4Unwrap{src, dst, tos, proto, payload}, true
}

func decodeIPv6(data []byte) (src, dst net.IP, tos, proto uint8, payload []byte, ok bool) {
	if len(data) < ipv6HeaderLen {
		return
	}
	tos = byte(binary.BigEndian.Uint16(data[0:2]) >> 4 & 0xFF)
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	proto = data[6]
	src = net.IP(append([]byte(nil), data[8:24]...))
	dst = net.IP(append([]byte(nil), data[24:40]...))

	end := ipv6HeaderLen + int(payloadLen)
	if end > len(data) || end < ipv6HeaderLen {
		end = len(data)
	}
	payload = data[ipv6HeaderLen:end]
	ok = true
	return
}

func decodeTCP(data []byte) (sport, dport uint16, seq uint32, flags uint16, window Window, ok bool) {
	if len(data) < tcpMinHeaderLen {
		return
	}
	sport = binary.BigEndian.Uint16(data[0:2])
	dport = binary.BigEndian.Uint16(data[2:4])
	seq = binary.BigEndian.Uint32(data[4:8])

	dataOffset := data[12] >> 4
	headerLen := int(dataOffset) * 4
	if headerLen < tcpMinHeaderLen || len(data) < headerLen {
		headerLen = tcpMinHeaderLen
		if len(data) < headerLen {
			return 0, 0, 0, 0, Window{}, false
		}
	}

	rawFlags := data[13] & 0x3F
	flags = translateTCPFlags(rawFlags)
	window.Size = uint32(binary.BigEndian.Uint16(data[14:16]))

	if flags&FlagSYN != 0 && headerLen > tcpMinHeaderLen && len(data) >= headerLen {
		window.Scale = parseWSCALE(data[tcpMinHeaderLen:headerLen])
	}

	ok = true
	return
}

// translateTCPFlags maps the wire TCP flag bit layout (URG|ACK|PSH|RST|SYN|FIN,
// bit5..bit0) onto this package's named bit constants.
func translateTCPFlags(raw uint8) uint16 {
	var f uint16
	if raw&0x01 != 0 {
		f |= FlagFIN
	}
	if raw&0x02 != 0 {
		f |= FlagSYN
	}
	if raw&0x04 != 0 {
		f |= FlagRST
	}
	if raw&0x08 != 0 {
		f |= FlagPSH
	}
	if raw&0x10 != 0 {
		f |= FlagACK
	}
	if raw&0x20 != 0 {
		f |= FlagURG
	}
	return f
}

// parseWSCALE walks TCP options looking for kind 3 (window scale, RFC 7323).
func parseWSCALE(opts []byte) uint8 {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return 0
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return 0
		}
		if kind == tcpOptWSCALE && length == 3 {
			return opts[i+2]
		}
		i += length
	}
	return 0
}

func decodeUDP(data []byte) (sport, dport uint16, ok bool) {
	if len(data) < udpHeaderLen {
		return
	}
	sport = binary.BigEndian.Uint16(data[0:2])
	dport = binary.BigEndian.Uint16(data[2:4])
	ok = true
	return
}

// decodeICMP packs type<<8|code into a single value so ICMP can share the
// Endpoint{Addr,Port} shape (spec.md §4.1) — ICMP has no ports.
func decodeICMP(data []byte) (packed uint16, ok bool) {
	if len(data) < 2 {
		return
	}
	return uint16(data[0])<<8 | uint16(data[1]), true
}
