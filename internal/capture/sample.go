package capture

import (
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/otus-agent/otus/internal/flow"
)

// skfAdRandom is the classic-BPF ancillary load offset golang.org/x/net/bpf's
// ExtRand assembles to (SKF_AD_OFF + SKF_AD_RANDOM); kept as a named constant
// only so the test can assert against the assembled program without
// reaching into bpf's internals.
const skfAdRandom = 0xfffff000 + 56

// sampleProgram builds the 5-instruction "keep 1 in rate" classic BPF
// program: load a kernel-generated random word, reduce it mod rate, keep the
// packet only when the result is 1. Byte-exact with the program
// orig:src/capture/sample.rs attaches via libpcap's SO_ATTACH_FILTER path,
// assembled here from golang.org/x/net/bpf's typed instructions rather than
// hand-packed opcodes.
func sampleProgram(rate uint32) ([]pcap.BPFInstruction, error) {
	raw, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtRand},
		bpf.ALUOpConstant{Op: bpf.ALUOpMod, Val: rate},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffffffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return nil, err
	}

	prog := make([]pcap.BPFInstruction, len(raw))
	for i, ins := range raw {
		prog[i] = pcap.BPFInstruction{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return prog, nil
}

// applySample attaches the sampling program to an open pcap handle, or does
// nothing for flow.NoSample.
func applySample(h *pcap.Handle, s flow.Sample) error {
	if s.None {
		return nil
	}
	prog, err := sampleProgram(s.Rate)
	if err != nil {
		return err
	}
	return h.SetBPFInstructionFilter(prog)
}
