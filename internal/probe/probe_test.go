package probe

import "testing"

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Connect: "connect",
		Accept:  "accept",
		TX:      "tx",
		RX:      "rx",
		Close:   "close",
		Kind(9): "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestRawDataLenMatchesWireLayout(t *testing.T) {
	if rawDataLen != 36 {
		t.Fatalf("rawDataLen = %d, want 36 (7 uint32 fields + 1 uint64 srtt)", rawDataLen)
	}
}
