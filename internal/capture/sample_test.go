package capture

import (
	"testing"

	"github.com/otus-agent/otus/internal/flow"
)

func TestSampleProgramStructure(t *testing.T) {
	prog, err := sampleProgram(100)
	if err != nil {
		t.Fatalf("sampleProgram: %v", err)
	}
	if len(prog) != 5 {
		t.Fatalf("program length = %d, want 5", len(prog))
	}
	if prog[0].K != skfAdRandom {
		t.Errorf("instruction 0 K = %#x, want %#x", prog[0].K, skfAdRandom)
	}
	if prog[1].K != 100 {
		t.Errorf("instruction 1 K = %d, want 100 (sample rate)", prog[1].K)
	}
	if prog[3].K != 0xffffffff {
		t.Errorf("instruction 3 (keep) K = %#x, want full-length accept", prog[3].K)
	}
	if prog[4].K != 0 {
		t.Errorf("instruction 4 (drop) K = %d, want 0", prog[4].K)
	}
}

func TestConfigMatches(t *testing.T) {
	cfg := Config{}
	if !cfg.Matches("eth0") {
		t.Error("nil Include should match everything")
	}
}

func TestApplySampleNoSampleIsNoop(t *testing.T) {
	if err := applySample(nil, flow.NoSample); err != nil {
		t.Errorf("applySample(NoSample) = %v, want nil", err)
	}
}
