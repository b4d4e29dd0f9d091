package util

import (
	"slices"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"yes", false, true},
		{" ON ", false, true},
		{"0", true, false},
		{"Off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CARDIOCHECK_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("CARDIOCHECK_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CARDIOCHECK_TEST_DURATION", "90s")
	if got := ParseDurationEnv("CARDIOCHECK_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("got %v", got)
	}
	t.Setenv("CARDIOCHECK_TEST_DURATION", "soon")
	if got := ParseDurationEnv("CARDIOCHECK_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("malformed value should fall back, got %v", got)
	}
	t.Setenv("CARDIOCHECK_TEST_DURATION", "-5s")
	if got := ParseDurationEnv("CARDIOCHECK_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("negative value should fall back, got %v", got)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" 15550100, 15550101\n15550102,, ")
	want := []string{"15550100", "15550101", "15550102"}
	if !slices.Equal(got, want) {
		t.Errorf("SplitList = %v, want %v", got, want)
	}
	if got := SplitList(""); len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}
