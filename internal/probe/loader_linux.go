//go:build linux

package probe

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/otus-agent/otus/internal/errs"
)

// program is one loaded kprobe BPF program: its kernel fd and the kprobe
// event name parsed from its section name ("kprobe/<event>"), grounded on
// orig:ebpf-0.0.4/src/elf.rs's section-name dispatch.
type program struct {
	name  string
	event string
	fd    int
}

// object is a fully loaded bytecode object: its kprobe programs plus the
// shared perf-event-array map fd the ring pump reads from.
type object struct {
	programs []program
	eventMapFD int
}

const (
	bpfMapCreate   = 0
	bpfProgLoad    = 5
	mapTypePerfEventArray = 4
	progTypeKprobe = 2

	bpfInsnLen = 8 // sizeof(bpf_insn): u8 code, u8 regs, i16 off, i32 imm
	ldDW       = 0x18 // BPF_LD | BPF_DW | BPF_IMM
	pseudoMapFD = 1    // BPF_PSEUDO_MAP_FD src_reg value
)

// load parses an ELF bytecode object, creates the perf-event-array map,
// patches ld_imm64 map-fd relocations, and BPF_PROG_LOADs every
// "kprobe/<event>" section. Grounded on orig:ebpf-0.0.4/src/elf.rs's
// Loader::{new,load} section dispatch and relocation-patch loop.
func load(raw []byte) (*object, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.Probe, err, "parse bytecode ELF")
	}

	license := "GPL"
	var mapSymbolSections = map[string]int{}
	eventMapFD := -1

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "license":
			data, _ := sec.Data()
			license = strings.TrimRight(string(data), "\x00")
		case sec.Name == "maps":
			fd, err := createPerfEventArrayMap(sec.Name)
			if err != nil {
				return nil, errs.Wrap(errs.Probe, err, "create map %s", sec.Name)
			}
			eventMapFD = fd
			mapSymbolSections[sec.Name] = fd
		}
	}

	if eventMapFD < 0 {
		// No explicit "maps" section: the bytecode still needs an event-output
		// map, so create one implicitly rather than failing the whole load.
		fd, err := createPerfEventArrayMap("events")
		if err != nil {
			return nil, errs.Wrap(errs.Probe, err, "create implicit events map")
		}
		eventMapFD = fd
	}

	var programs []program
	for _, sec := range f.Sections {
		event, ok := kprobeEvent(sec.Name)
		if !ok {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errs.Wrap(errs.Probe, err, "read section %s", sec.Name)
		}

		patched := patchMapRelocations(data, eventMapFD)

		fd, err := progLoad(patched, license)
		if err != nil {
			return nil, errs.Wrap(errs.Probe, err, "load program %s", sec.Name)
		}
		programs = append(programs, program{name: sec.Name, event: event, fd: fd})
	}

	if len(programs) == 0 {
		return nil, errs.New(errs.Probe, "bytecode object has no kprobe/* sections")
	}

	return &object{programs: programs, eventMapFD: eventMapFD}, nil
}

// kprobeEvent extracts the kprobe event name from a section named
// "kprobe/<event>", the convention orig:ebpf-0.0.4/src/elf.rs's code()
// dispatch follows for section kind -> bpf::Kind::Kprobe(event).
func kprobeEvent(section string) (string, bool) {
	const prefix = "kprobe/"
	if !strings.HasPrefix(section, prefix) {
		return "", false
	}
	return section[len(prefix):], true
}

// patchMapRelocations rewrites every ld_imm64 instruction pair that loads a
// pseudo map-fd (the compiler-generated pattern for "looked up this map by
// symbol") to carry the real kernel map fd, since this loader skips full
// ELF relocation-table walking and instead patches by opcode shape.
func patchMapRelocations(code []byte, mapFD int) []byte {
	out := append([]byte(nil), code...)
	for off := 0; off+bpfInsnLen*2 <= len(out); off += bpfInsnLen {
		opcode := out[off]
		srcReg := out[off+1] >> 4
		if opcode == ldDW && srcReg == pseudoMapFD {
			binary.LittleEndian.PutUint32(out[off+4:off+8], uint32(mapFD))
			off += bpfInsnLen // ld_imm64 occupies two bpf_insn slots
		}
	}
	return out
}

func createPerfEventArrayMap(name string) (int, error) {
	type mapCreateAttr struct {
		MapType    uint32
		KeySize    uint32
		ValueSize  uint32
		MaxEntries uint32
		MapFlags   uint32
		InnerMapFD uint32
		NumaNode   uint32
		MapName    [16]byte
	}

	attr := mapCreateAttr{
		MapType:    mapTypePerfEventArray,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 128, // one slot per possible CPU
	}
	copy(attr.MapName[:], name)

	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapCreate,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		return 0, fmt.Errorf("BPF_MAP_CREATE: %w", errno)
	}
	return int(fd), nil
}

func progLoad(insns []byte, license string) (int, error) {
	type progLoadAttr struct {
		ProgType    uint32
		InsnCnt     uint32
		Insns       uint64
		License     uint64
		LogLevel    uint32
		LogSize     uint32
		LogBuf      uint64
		KernVersion uint32
		ProgFlags   uint32
		ProgName    [16]byte
		ProgIfindex uint32
		AttachType  uint32
	}

	lic := append([]byte(license), 0)
	log := make([]byte, 4096)

	attr := progLoadAttr{
		ProgType: progTypeKprobe,
		InsnCnt:  uint32(len(insns) / bpfInsnLen),
		Insns:    uint64(uintptr(unsafe.Pointer(&insns[0]))),
		License:  uint64(uintptr(unsafe.Pointer(&lic[0]))),
		LogLevel: 1,
		LogSize:  uint32(len(log) - 1),
		LogBuf:   uint64(uintptr(unsafe.Pointer(&log[0]))),
	}

	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfProgLoad,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr))
	if errno != 0 {
		verifierLog := strings.TrimRight(string(log), "\x00")
		if verifierLog != "" {
			return 0, fmt.Errorf("BPF_PROG_LOAD: %w: %s", errno, verifierLog)
		}
		return 0, fmt.Errorf("BPF_PROG_LOAD: %w", errno)
	}
	return int(fd), nil
}
