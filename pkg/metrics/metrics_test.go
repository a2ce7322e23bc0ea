package metrics

import (
	"strings"
	"testing"
)

func TestIncAndDump(t *testing.T) {
	Reset()
	Inc("frames_total", map[string]string{"direction": "rx"})
	Inc("frames_total", map[string]string{"direction": "rx"})
	Inc("frames_total", map[string]string{"direction": "tx"})
	Inc("plain", nil)
	dump := DumpProm()
	for _, want := range []string{
		`frames_total{direction="rx"} 2`,
		`frames_total{direction="tx"} 1`,
		`plain 1`,
	} {
		if !strings.Contains(dump, want) {
			t.Fatalf("missing %q in %q", want, dump)
		}
	}
}

func TestLabelOrderCanonical(t *testing.T) {
	Reset()
	Inc("m", map[string]string{"b": "2", "a": "1"})
	Inc("m", map[string]string{"a": "1", "b": "2"})
	if !strings.Contains(DumpProm(), `m{a="1",b="2"} 2`) {
		t.Fatalf("labels not canonical: %q", DumpProm())
	}
}
