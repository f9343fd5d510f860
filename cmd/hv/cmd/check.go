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
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/hvkit/go-hypervisor"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var (
	good = color.New(color.FgGreen).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
)

func yesNo(ok bool) string {
	if ok {
		return good("yes")
	}
	return bad("no")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check Hypervisor.framework support and entitlement status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok := hypervisor.Supported()
		fmt.Printf("hv support: %s\n", yesNo(ok))

		if runtime.GOOS == "darwin" {
			exe, _ := os.Executable()
			if exe != "" {
				out, _ := exec.Command("codesign", "-dv", "--entitlements", "-", exe).CombinedOutput()
				entOK := strings.Contains(string(out), "com.apple.security.hypervisor")
				fmt.Printf("entitlements: hypervisor=%s\n", yesNo(entOK))
			} else {
				fmt.Println("entitlements: unknown (executable path not found)")
			}
		}
		if !ok {
			return nil
		}

		fmt.Println("features:")
		for _, f := range hypervisor.Features() {
			has, err := hypervisor.FeatureSupported(f)
			if err != nil {
				fmt.Printf("  %-16s %s\n", f, bad(err.Error()))
				continue
			}
			fmt.Printf("  %-16s %s\n", f, yesNo(has))
		}
		return nil
	},
}
