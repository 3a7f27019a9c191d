//go:build linux

package probe

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/shutdown"
)

const (
	tracefsDir   = "/sys/kernel/debug/tracing"
	kprobeEvents = tracefsDir + "/kprobe_events"

	perfTypeSoftware      = 1
	perfCountSWBPFOutput  = 10
	perfSampleRaw         = 1 << 6
	perfEventIocSetBPF    = 0x40042408
	perfEventIocEnable    = 0x2400
	perfFlagFDCloexec     = 1 << 3
)

// perfEventAttr mirrors struct perf_event_attr's layout for the subset of
// fields the ring pump needs (type, config, sample type, period/wakeup
// union, size). Grounded on orig:src/probes/probes.rs's perf_event_attr
// construction via the perf crate's FFI bindings.
type perfEventAttr struct {
	Type        uint32
	Size        uint32
	Config      uint64
	SamplePeriod uint64
	SampleType  uint64
	Flags       uint64
	WakeupEvents uint32
	BPType      uint32
	BPAddr      uint64
	BPLen       uint64
}

type attached struct {
	name   string
	fd     int
	perfFD int
}

// linuxSource attaches every program in an object as a kprobe and pumps the
// shared perf-event-array across one poll fd per CPU, grounded on
// orig:src/probes/{probes.rs,events.rs}'s Probes::open + Event::kprobe.
type linuxSource struct {
	obj      *object
	attached []attached
	perfFDs  []int
	events   chan Event
	done     *shutdown.Flag
	wg       sync.WaitGroup
}

// Load builds the kernel-probe source: parses bytecode, creates its maps and
// programs, attaches each kprobe, and starts the per-CPU ring pump.
func Load(bytecode []byte, done *shutdown.Flag) (Source, error) {
	obj, err := load(bytecode)
	if err != nil {
		return nil, err
	}

	s := &linuxSource{obj: obj, events: make(chan Event, 4096), done: done}

	for _, p := range obj.programs {
		perfFD, err := attachKprobe(p)
		if err != nil {
			s.Close()
			return nil, errs.Wrap(errs.Probe, err, "attach kprobe for %s", p.event)
		}
		s.attached = append(s.attached, attached{name: p.event, fd: p.fd, perfFD: perfFD})
	}

	cpus := runtime.NumCPU()
	for cpu := 0; cpu < cpus; cpu++ {
		fd, err := openRingFD(cpu)
		if err != nil {
			s.Close()
			return nil, errs.Wrap(errs.Probe, err, "open ring for cpu %d", cpu)
		}
		if err := mapUpdateElem(obj.eventMapFD, cpu, fd); err != nil {
			s.Close()
			return nil, errs.Wrap(errs.Probe, err, "bind ring fd for cpu %d", cpu)
		}
		s.perfFDs = append(s.perfFDs, fd)
		s.wg.Add(1)
		go s.pump(fd)
	}

	return s, nil
}

func (s *linuxSource) Events() <-chan Event { return s.events }

func (s *linuxSource) Close() error {
	for _, fd := range s.perfFDs {
		unix.Close(fd)
	}
	for _, a := range s.attached {
		unix.Close(a.perfFD)
		unix.Close(a.fd)
		clearKprobe(a.name)
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// pump mmaps one CPU's perf ring and decodes raw sample records into Events
// until the shutdown flag trips.
func (s *linuxSource) pump(fd int) {
	defer s.wg.Done()
	log := logging.With("probe")

	const pages = 8
	size := (pages + 1) * os.Getpagesize()
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.WithError(err).Error("mmap perf ring")
		return
	}
	defer unix.Munmap(data)

	header := (*perfEventMmapPage)(unsafe.Pointer(&data[0]))
	ring := data[os.Getpagesize():]

	for {
		if s.done != nil && s.done.Done() {
			return
		}

		tail := header.DataTail
		head := atomic.LoadUint64(&header.DataHead)
		if tail == head {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		for tail != head {
			rec, consumed, ok := readRecord(ring, tail, head)
			if !ok {
				break
			}
			tail += consumed
			if rec == nil {
				continue
			}
			ev, ok := decode(rec)
			if ok {
				select {
				case s.events <- ev:
				default:
					log.Warn("probe event channel full, dropping event")
				}
			}
		}
		atomic.StoreUint64(&header.DataTail, tail)
	}
}

// perfEventMmapPage mirrors the kernel's ring-buffer control page header
// (the fields the pump touches: data_head/data_tail).
type perfEventMmapPage struct {
	Version       uint32
	CompatVersion uint32
	Lock          uint32
	Index         uint32
	Offset        int64
	TimeEnabled   uint64
	TimeRunning   uint64
	Capabilities  uint64
	_             [976]byte // pmc_width .. __reserved; data_head sits at offset 1024
	DataHead      uint64
	DataTail      uint64
}

const perfRecordSample = 9

// readRecord decodes one perf_event_header + payload at the ring offset
// tail (mod ring length), returning the raw BPF sample payload.
func readRecord(ring []byte, tail, head uint64) (payload []byte, consumed uint64, ok bool) {
	n := uint64(len(ring))
	if head-tail < 8 {
		return nil, 0, false
	}
	hdr := make([]byte, 8)
	for i := 0; i < 8; i++ {
		hdr[i] = ring[(tail+uint64(i))%n]
	}
	recType := binary.LittleEndian.Uint32(hdr[0:4])
	size := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
	if size < 8 || head-tail < size {
		return nil, 0, false
	}

	body := make([]byte, size-8)
	for i := range body {
		body[i] = ring[(tail+8+uint64(i))%n]
	}

	if recType != perfRecordSample {
		return nil, size, true
	}
	if len(body) < 4 {
		return nil, size, true
	}
	rawLen := binary.LittleEndian.Uint32(body[0:4])
	if 4+int(rawLen) > len(body) {
		return nil, size, true
	}
	return body[4 : 4+rawLen], size, true
}

func decode(raw []byte) (Event, bool) {
	if len(raw) < rawDataLen {
		return Event{}, false
	}
	var d rawData
	d.Event = binary.LittleEndian.Uint32(raw[0:4])
	d.PID = binary.LittleEndian.Uint32(raw[4:8])
	d.Proto = binary.LittleEndian.Uint32(raw[8:12])
	d.SAddr = binary.LittleEndian.Uint32(raw[12:16])
	d.SPort = binary.LittleEndian.Uint32(raw[16:20])
	d.DAddr = binary.LittleEndian.Uint32(raw[20:24])
	d.DPort = binary.LittleEndian.Uint32(raw[24:28])
	d.SRTT = binary.LittleEndian.Uint64(raw[28:36])

	kind := Kind(d.Event)
	switch kind {
	case Connect, Accept, TX, RX, Close:
	default:
		return Event{}, false
	}

	return Event{
		Kind:  kind,
		PID:   d.PID,
		Proto: flow.Protocol(d.Proto),
		Src:   tcpAddr(d.SAddr, d.SPort),
		Dst:   tcpAddr(d.DAddr, d.DPort),
		SRTT:  time.Duration(d.SRTT) * time.Microsecond,
		Seen:  time.Now(),
	}, true
}

func tcpAddr(addr, port uint32) net.TCPAddr {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, addr)
	return net.TCPAddr{IP: net.IP(b), Port: int(port)}
}

// attachKprobe registers a kprobe on event via tracefs, opens a
// PERF_TYPE_TRACEPOINT perf event for it, and binds prog as its BPF
// program, grounded on orig:src/probes/events.rs's Event::kprobe + attach.
func attachKprobe(p program) (int, error) {
	name := fmt.Sprintf("otus_%s_%d", sanitize(p.event), p.fd)
	if err := writeKprobeEvents(fmt.Sprintf("p:%s %s", name, p.event)); err != nil {
		return -1, err
	}

	id, err := kprobeEventID(name)
	if err != nil {
		clearKprobe(name)
		return -1, err
	}

	attr := perfEventAttr{
		Type:       2, // PERF_TYPE_TRACEPOINT
		Config:     id,
		SampleType: perfSampleRaw,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&attr)), ^uintptr(0), 0, ^uintptr(0), 0, 0)
	if errno != 0 {
		clearKprobe(name)
		return -1, fmt.Errorf("perf_event_open: %w", errno)
	}
	perfFD := int(fd)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(perfFD), perfEventIocSetBPF, uintptr(p.fd)); errno != 0 {
		unix.Close(perfFD)
		clearKprobe(name)
		return -1, fmt.Errorf("PERF_EVENT_IOC_SET_BPF: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(perfFD), perfEventIocEnable, 0); errno != 0 {
		unix.Close(perfFD)
		clearKprobe(name)
		return -1, fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", errno)
	}

	return perfFD, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}

func writeKprobeEvents(line string) error {
	f, err := os.OpenFile(kprobeEvents, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func clearKprobe(name string) {
	f, err := os.OpenFile(kprobeEvents, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString("-:" + name)
}

func kprobeEventID(name string) (uint64, error) {
	path := filepath.Join(tracefsDir, "events", "kprobes", name, "id")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// openRingFD opens the PERF_COUNT_SW_BPF_OUTPUT software event that backs
// one CPU's slot in the perf-event-array map.
func openRingFD(cpu int) (int, error) {
	attr := perfEventAttr{
		Type:         perfTypeSoftware,
		Config:       perfCountSWBPFOutput,
		SampleType:   perfSampleRaw,
		SamplePeriod: 1,
		WakeupEvents: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&attr)), ^uintptr(0), uintptr(cpu), ^uintptr(0), 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("perf_event_open: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, perfEventIocEnable, 0); errno != 0 {
		unix.Close(int(fd))
		return -1, fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", errno)
	}
	return int(fd), nil
}

func mapUpdateElem(mapFD, cpu, valueFD int) error {
	type mapElemAttr struct {
		MapFD uint32
		_     uint32
		Key   uint64
		Value uint64
		Flags uint64
	}
	key := uint32(cpu)
	val := uint32(valueFD)
	attr := mapElemAttr{
		MapFD: uint32(mapFD),
		Key:   uint64(uintptr(unsafe.Pointer(&key))),
		Value: uint64(uintptr(unsafe.Pointer(&val))),
	}
	const bpfMapUpdateElem = 2
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapUpdateElem,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return fmt.Errorf("BPF_MAP_UPDATE_ELEM: %w", errno)
	}
	return nil
}
