// Package encoder maps correlated flow Records (and process-report
// snapshots) into the binary packed wire format spec.md §4.9 describes,
// grounded on original_source/kentik-api's Device custom-column catalog and
// the teacher's plugins/reporter/hep/encoder.go append-style binary writer
// (chunk header + value, back-filled length, pre-sized buffer).
package encoder

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/procindex"
)

// leadingPad is the fixed header space spec.md §4.9 reserves so the uplink
// can prefix its own fixed header without copying the payload.
const leadingPad = 80

// KubeMeta is the Kubernetes enrichment attached to a record by the
// aggregator's kube index, grounded on spec.md §4.8's enrichment fields.
type KubeMeta struct {
	Name          string
	Namespace     string
	Kind          string // "pod" | "service"
	ContainerName string
	WorkloadName  string
	WorkloadNS    string
	Labels        string
}

// Record is one flow plus its correlated metadata, ready for encoding.
type Record struct {
	Flow flow.Flow
	Src  *procindex.Process
	Dst  *procindex.Process
	SRTT time.Duration
	Node string
	Kube *KubeMeta
}

// Encoder resolves a device's custom-column catalog once and packs Records
// (or process reports) against it.
type Encoder struct {
	cols columns
}

// New resolves device's custom-column catalog. Returns an error naming the
// missing column if the device's catalog doesn't carry every name this
// encoder requires — a hard, configuration-time failure per spec.md §4.9.
func New(device kentikapi.Device) (*Encoder, error) {
	cols, err := resolveColumns(device.Column)
	if err != nil {
		return nil, err
	}
	return &Encoder{cols: cols}, nil
}

// Encode packs a batch of traffic Records into a single payload.
func (e *Encoder) Encode(records []Record) []byte {
	buf := make([]byte, leadingPad, leadingPad+512*len(records))
	binary.BigEndian.PutUint32(extend(&buf, 4), uint32(len(records)))

	for _, r := range records {
		e.encodeRecord(&buf, r)
	}
	return buf
}

// EncodeProcessReport packs a node's process list as APP_PROTOCOL=4
// records, the periodic snapshot spec.md §4.7 describes.
func (e *Encoder) EncodeProcessReport(node string, procs []procindex.Process) []byte {
	buf := make([]byte, leadingPad, leadingPad+256*len(procs))
	binary.BigEndian.PutUint32(extend(&buf, 4), uint32(len(procs)))

	for _, p := range procs {
		proc := p
		e.encodeHeader(&buf, appProtoProcess, 0)
		e.encodeCustoms(&buf, &proc, nil, node, nil)
	}
	return buf
}

func (e *Encoder) encodeRecord(buf *[]byte, r Record) {
	f := r.Flow

	appendUint64(buf, packMAC(f.Ethernet.Src))
	appendUint64(buf, packMAC(f.Ethernet.Dst))
	appendUint32(buf, uint32(f.Key.Protocol))

	appendIP(buf, f.Key.Src.Addr)
	appendIP(buf, f.Key.Dst.Addr)

	appendUint16(buf, f.Key.Src.Port)
	appendUint16(buf, f.Key.Dst.Port)
	appendUint8(buf, f.TOS)
	appendUint16(buf, f.TCPFlags())
	appendUint32(buf, f.Sample)

	vlan := uint32(0)
	if f.Ethernet.VLAN != nil {
		vlan = uint32(*f.Ethernet.VLAN)
	}

	switch f.Direction {
	case flow.In:
		appendUint64(buf, f.Packets)
		appendUint64(buf, f.Bytes)
		appendUint64(buf, 0)
		appendUint64(buf, 0)
	default: // Out and Unknown both post to the outbound counters
		appendUint64(buf, 0)
		appendUint64(buf, 0)
		appendUint64(buf, f.Packets)
		appendUint64(buf, f.Bytes)
	}
	appendUint32(buf, vlan)

	e.encodeHeader(buf, appProtoTraffic, r.SRTT)
	e.encodeCustoms(buf, r.Src, r.Dst, r.Node, r.Kube)
}

// encodeHeader writes the proto tag + SRTT-in-ms pair that precedes every
// record's custom block.
func (e *Encoder) encodeHeader(buf *[]byte, appProto uint32, srtt time.Duration) {
	appendUint32(buf, e.cols.appProtocol)
	appendUint32(buf, appProto)
	appendUint32(buf, e.cols.applLatencyMS)
	appendUint32(buf, uint32(srtt.Milliseconds()))
}

// encodeCustoms writes the variable per-side process tuples, node name, and
// optional Kube tuple, grounded on original_source/src/export/pack.rs's
// per-side {pid,comm,cmdline,container?} layout (int01/str00-02 for src,
// int02/str03-05 for dst) generalized with a node-name and kube block.
func (e *Encoder) encodeCustoms(buf *[]byte, src, dst *procindex.Process, node string, kube *KubeMeta) {
	// INT00 is resolved (hard error if missing) but intentionally unused,
	// mirroring the destination catalog's reserved-but-unbound column.
	_ = e.cols.int00

	if src != nil {
		appendUint32(buf, e.cols.int01)
		appendUint32(buf, src.PID)
		appendString(buf, e.cols.str[0], src.Comm)
		appendString(buf, e.cols.str[1], joinCmdline(src.Cmdline))
		if src.Container != "" {
			appendString(buf, e.cols.str[2], src.Container)
		}
	}

	if dst != nil {
		appendUint32(buf, e.cols.int02)
		appendUint32(buf, dst.PID)
		appendString(buf, e.cols.str[3], dst.Comm)
		appendString(buf, e.cols.str[4], joinCmdline(dst.Cmdline))
		if dst.Container != "" {
			appendString(buf, e.cols.str[5], dst.Container)
		}
	}

	if node != "" {
		appendString(buf, e.cols.str[6], node)
	}

	if kube != nil {
		appendString(buf, e.cols.str[7], kube.Name)
		appendString(buf, e.cols.str[8], kube.Namespace)
		appendString(buf, e.cols.str[9], kube.Kind)
		if kube.ContainerName != "" {
			appendString(buf, e.cols.str[10], kube.ContainerName)
		}
		if kube.WorkloadName != "" {
			appendString(buf, e.cols.str[11], kube.WorkloadName)
		}
		if kube.WorkloadNS != "" {
			appendString(buf, e.cols.str[12], kube.WorkloadNS)
		}
		if kube.Labels != "" {
			appendString(buf, e.cols.str[13], kube.Labels)
		}
	}
}

func joinCmdline(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// packMAC packs a 6-byte MAC big-endian into the low 48 bits of a uint64,
// grounded on original_source/src/export/pack.rs's pack_mac.
func packMAC(mac net.HardwareAddr) uint64 {
	if len(mac) != 6 {
		return 0
	}
	var v uint64
	for _, b := range mac {
		v = v<<8 | uint64(b)
	}
	return v
}

func appendIP(buf *[]byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		*buf = append(*buf, v4...)
		return
	}
	v6 := ip.To16()
	if v6 == nil {
		v6 = make(net.IP, 16)
	}
	*buf = append(*buf, v6...)
}

func appendUint8(buf *[]byte, v uint8) {
	*buf = append(*buf, v)
}

func appendUint16(buf *[]byte, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	*buf = append(*buf, b[:]...)
}

func appendUint32(buf *[]byte, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	*buf = append(*buf, b[:]...)
}

func appendUint64(buf *[]byte, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	*buf = append(*buf, b[:]...)
}

// appendString writes a custom-column string tuple: column id, byte
// length, then the bytes themselves.
func appendString(buf *[]byte, id uint64, s string) {
	appendUint32(buf, uint32(id))
	appendUint16(buf, uint16(len(s)))
	*buf = append(*buf, s...)
}

// extend grows buf by n bytes and returns a slice over the new space, used
// for the one spot (record count) that's filled in-place rather than
// appended.
func extend(buf *[]byte, n int) []byte {
	start := len(*buf)
	*buf = append(*buf, make([]byte, n)...)
	return (*buf)[start : start+n]
}
