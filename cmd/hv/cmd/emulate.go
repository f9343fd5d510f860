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
package cmd

import (
	"context"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/fatih/color"
	"github.com/hvkit/go-hypervisor"
	"github.com/hvkit/go-hypervisor/cmd/hv/cmd/utils"
	"github.com/spf13/cobra"
)

const emulateBase = uint64(0x4000)

func init() {
	rootCmd.AddCommand(emulateCmd)
	emulateCmd.Flags().Uint64P("addr", "a", 0, "Address to emulate (0 = use entry point)")
	emulateCmd.Flags().IntP("mem-size", "m", 0x10000, "Memory size to allocate (bytes)")
	emulateCmd.Flags().Uint64P("stack", "s", 0x8000, "Stack pointer address (within allocated memory)")
	emulateCmd.Flags().IntP("max-exits", "n", 64, "Stop after this many guest exits")
}

var emulateCmd = &cobra.Command{
	Use:     "emulate [FILE]",
	Aliases: []string{"emu"},
	Short:   "Emulate a function from an arm64 Mach-O binary and show stack contents",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hypervisor.Supported() {
			return fmt.Errorf("hypervisor not supported on this host")
		}
		if arch, err := hypervisor.HostArch(); err != nil {
			return err
		} else if arch != hypervisor.ArchARM64 {
			return fmt.Errorf("emulate runs arm64 functions; host guests are %s", arch)
		}

		addr, err := cmd.Flags().GetUint64("addr")
		if err != nil {
			return err
		}
		memSize, err := cmd.Flags().GetInt("mem-size")
		if err != nil {
			return err
		}
		stackPtr, err := cmd.Flags().GetUint64("stack")
		if err != nil {
			return err
		}
		maxExits, err := cmd.Flags().GetInt("max-exits")
		if err != nil {
			return err
		}

		// Validate stack pointer is within memory range
		if stackPtr < emulateBase || stackPtr >= emulateBase+uint64(memSize) {
			return fmt.Errorf("stack pointer 0x%x must be within memory range 0x%x-0x%x",
				stackPtr, emulateBase, emulateBase+uint64(memSize))
		}

		m, err := macho.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open Mach-O file: %w", err)
		}
		defer m.Close()

		// Determine address to emulate
		if addr == 0 {
			main := m.GetLoadsByName("LC_MAIN")
			if len(main) == 0 {
				return fmt.Errorf("failed to find LC_MAIN in target - use --addr to specify function address")
			}
			addr = main[0].(*macho.EntryPoint).EntryOffset + m.GetBaseAddress()
		}

		fmt.Printf("Emulating function at address: 0x%x\n", addr)

		fn, err := m.GetFunctionForVMAddr(addr)
		if err != nil {
			return fmt.Errorf("failed to find function at address 0x%x: %w", addr, err)
		}
		fmt.Printf("Function: %s (0x%x - 0x%x, %d bytes)\n",
			fn.Name, fn.StartAddr, fn.EndAddr, fn.EndAddr-fn.StartAddr)

		instrs := make([]byte, fn.EndAddr-fn.StartAddr)
		if _, err := m.ReadAtAddr(instrs, fn.StartAddr); err != nil {
			return fmt.Errorf("failed to read function bytes: %w", err)
		}
		// Add brk instruction at the end to ensure proper exit
		instrs = append(instrs, 0x00, 0x00, 0x20, 0xd4) // brk #0

		initial := CPUState{"sp": stackPtr, "pc": emulateBase}
		opts := executeOptions{memSize: memSize, baseAddr: emulateBase, maxExits: maxExits, x86Mode: 64}
		result, stack, err := emulateFunction(cmd.Context(), instrs, initial, opts)
		if err != nil {
			return fmt.Errorf("emulation failed: %w", err)
		}

		hdr := color.New(color.Bold).SprintFunc()
		fmt.Printf("\n%s\n", hdr("=== Execution Results ==="))
		for _, e := range result.Exits {
			fmt.Printf("exit @ 0x%x: %v  %s\n", e.PC, e.ExitInfo, e.Disasm)
		}
		st := result.State
		fmt.Printf("Final SP: 0x%x (moved %d bytes)\n", st["sp"], int64(st["sp"])-int64(stackPtr))

		fmt.Printf("\nRegisters:\n")
		fmt.Printf("  X0=0x%x  X1=0x%x  X2=0x%x  X3=0x%x\n", st["x0"], st["x1"], st["x2"], st["x3"])
		fmt.Printf("  PC=0x%x  SP=0x%x  FP=0x%x  LR=0x%x\n", st["pc"], st["sp"], st["fp"], st["lr"])

		printStackContents(stack, emulateBase, stackPtr, st["sp"])
		return nil
	},
}

// emulateFunction runs code like executeCode and also returns a copy of the
// whole guest memory for stack inspection.
func emulateFunction(ctx context.Context, code []byte, initial CPUState, opts executeOptions) (*ExecuteResult, []byte, error) {
	var snapshot []byte
	result, err := runGuest(ctx, code, initial, opts, func(g *guest) {
		snapshot = make([]byte, len(g.mem))
		copy(snapshot, g.mem)
	})
	return result, snapshot, err
}

// printStackContents displays the stack contents in a readable format
func printStackContents(memData []byte, baseAddr, initialSP, finalSP uint64) {
	fmt.Printf("\n=== Stack Analysis ===\n")
	if memData == nil {
		fmt.Println("No memory data available")
		return
	}

	stackStart := initialSP - baseAddr

	// Show some context around the stack safely (no underflow)
	displayStart := stackStart - min(stackStart, uint64(64))
	displayEnd := min(stackStart+64, uint64(len(memData)))

	fmt.Printf("Stack region: 0x%x - 0x%x (Initial SP: 0x%x, Final SP: 0x%x)\n",
		baseAddr+displayStart, baseAddr+displayEnd, initialSP, finalSP)
	fmt.Printf("Stack change: %d bytes\n\n", int64(finalSP)-int64(initialSP))

	fmt.Printf("Annotations: ISP=Initial SP, FSP=Final SP, STK=Stack Area\n")

	for offset := displayStart; offset < displayEnd; offset += 16 {
		addr := baseAddr + offset

		switch {
		case addr == initialSP:
			fmt.Printf("ISP> ")
		case addr == finalSP:
			fmt.Printf("FSP> ")
		case addr >= finalSP && addr < initialSP && finalSP < initialSP:
			fmt.Printf("STK> ")
		default:
			fmt.Printf("     ")
		}

		endOffset := min(offset+16, uint64(len(memData)), displayEnd)
		if offset >= endOffset {
			break
		}
		fmt.Printf("%s", utils.HexDump(memData[int(offset):int(endOffset)], addr))
	}
}
