package bridge

import "testing"

func TestModeFor(t *testing.T) {
	cases := []struct {
		enabled, linked bool
		want            Mode
	}{
		{false, false, ModeDisabled},
		{false, true, ModeReceiveOnly},
		{true, true, ModeFull},
		{true, false, ModeDisabled},
	}
	for _, tc := range cases {
		if got := ModeFor(tc.enabled, tc.linked); got != tc.want {
			t.Errorf("ModeFor(%v, %v) = %v, want %v", tc.enabled, tc.linked, got, tc.want)
		}
	}
}

func TestModeString(t *testing.T) {
	if got := ModeDisabled.String(); got != "disabled" {
		t.Errorf("ModeDisabled = %q", got)
	}
	if got := ModeReceiveOnly.String(); got != "receive_only" {
		t.Errorf("ModeReceiveOnly = %q", got)
	}
	if got := ModeFull.String(); got != "full" {
		t.Errorf("ModeFull = %q", got)
	}
}
