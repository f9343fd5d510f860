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
	"encoding/json"
	"fmt"
	"os"

	"github.com/hvkit/go-hypervisor"
	"github.com/spf13/cobra"
)

// Caps describes what the host hypervisor offers.
type Caps struct {
	Arch     string          `json:"arch"`
	MaxVCPUs int             `json:"max_vcpus"`
	PageSize uint64          `json:"page_size,omitempty"`
	Features map[string]bool `json:"features"`
	// VMX holds raw hv_vmx_read_capability values (x86_64).
	VMX map[string]uint64 `json:"vmx,omitempty"`
}

var capsJSON bool

func init() {
	rootCmd.AddCommand(capsCmd)
	capsCmd.Flags().BoolVarP(&capsJSON, "json", "j", false, "Output as JSON")
}

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Show host hypervisor capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		caps, err := queryCaps()
		if err != nil {
			return err
		}
		if capsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(caps)
		}
		fmt.Printf("arch:      %s\n", caps.Arch)
		fmt.Printf("max vcpus: %d\n", caps.MaxVCPUs)
		if caps.PageSize != 0 {
			fmt.Printf("page size: %#x\n", caps.PageSize)
		}
		for _, f := range hypervisor.Features() {
			fmt.Printf("%-10s %s\n", f.String()+":", yesNo(caps.Features[f.String()]))
		}
		for _, c := range hypervisor.VMXCaps() {
			if v, ok := caps.VMX[c.String()]; ok {
				fmt.Printf("vmx %-16s %#016x\n", c.String()+":", v)
			}
		}
		return nil
	},
}

func queryCaps() (*Caps, error) {
	arch, err := hypervisor.HostArch()
	if err != nil {
		return nil, err
	}
	n, err := hypervisor.MaxVCPUs()
	if err != nil {
		return nil, err
	}
	caps := &Caps{Arch: arch.String(), MaxVCPUs: n, Features: map[string]bool{}}
	for _, f := range hypervisor.Features() {
		ok, err := hypervisor.FeatureSupported(f)
		if err != nil {
			return nil, err
		}
		caps.Features[f.String()] = ok
	}

	// The page size and VMX capabilities need a live VM; skip them when one
	// cannot be made.
	if vm, err := hypervisor.NewVM(); err == nil {
		caps.PageSize = vm.PageSize()
		if arch == hypervisor.ArchX86_64 {
			caps.VMX = map[string]uint64{}
			for _, c := range hypervisor.VMXCaps() {
				if v, err := vm.VMXCapability(c); err == nil {
					caps.VMX[c.String()] = v
				}
			}
		}
		vm.Close()
	}
	return caps, nil
}
