/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package utils

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes the first instruction in code. arch is "arm64" or
// "x86_64"; mode selects the x86 operand size (16, 32 or 64) and is ignored
// on arm64. It returns the instruction text and its length in bytes.
func Disassemble(arch string, code []byte, pc uint64, mode int) (string, int, error) {
	switch arch {
	case "arm64":
		if len(code) < 4 {
			return "", 0, fmt.Errorf("need 4 bytes, have %d", len(code))
		}
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return "", 0, err
		}
		// operand-less instructions print with a trailing space
		return strings.TrimSpace(inst.String()), 4, nil
	case "x86_64":
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return "", 0, err
		}
		return strings.TrimSpace(x86asm.IntelSyntax(inst, pc, nil)), inst.Len, nil
	}
	return "", 0, fmt.Errorf("unsupported architecture %q", arch)
}
