package utils

import (
	"strings"
	"testing"
)

func TestHexDump(t *testing.T) {
	out := HexDump([]byte("ABC"), 0x10)
	if !strings.HasPrefix(out, "00000010  41 42 43 ") {
		t.Errorf("unexpected prefix in %q", out)
	}
	if !strings.HasSuffix(out, " |ABC|\n") {
		t.Errorf("unexpected suffix in %q", out)
	}

	data := make([]byte, 20)
	data[16] = 0x7f
	out = HexDump(data, 0x4000)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "00004010  7f 00 00 00") || !strings.HasSuffix(lines[1], "|....|") {
		t.Errorf("second line = %q", lines[1])
	}
	if len(lines[0]) != len(lines[1])+12 {
		t.Errorf("short row is not padded: %q vs %q", lines[0], lines[1])
	}

	if HexDump(nil, 0) != "" {
		t.Error("HexDump(nil) should be empty")
	}
}

func TestDisassemble(t *testing.T) {
	tests := []struct {
		arch string
		code []byte
		want string
		n    int
	}{
		{"arm64", []byte{0x7f, 0x20, 0x03, 0xd5}, "wfi", 4},
		{"x86_64", []byte{0xf4}, "hlt", 1},
		{"x86_64", []byte{0x90, 0xf4}, "nop", 1},
		{"x86_64", []byte{0xee}, "out dx, al", 1},
	}
	for _, tt := range tests {
		got, n, err := Disassemble(tt.arch, tt.code, 0x1000, 64)
		if err != nil {
			t.Errorf("Disassemble(%s, % x) failed: %v", tt.arch, tt.code, err)
			continue
		}
		if !strings.EqualFold(got, tt.want) || n != tt.n {
			t.Errorf("Disassemble(%s, % x) = %q, %d, want %q, %d", tt.arch, tt.code, got, n, tt.want, tt.n)
		}
	}

	if _, _, err := Disassemble("arm64", []byte{0x7f}, 0, 64); err == nil {
		t.Error("short arm64 input should fail")
	}
	if _, _, err := Disassemble("riscv64", []byte{0, 0, 0, 0}, 0, 64); err == nil {
		t.Error("unknown architecture should fail")
	}
}
