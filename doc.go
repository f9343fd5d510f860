// Package hypervisor provides Go bindings for Apple's Hypervisor.framework
// on Darwin, for both Apple Silicon (ARM64) and Intel (x86_64) hosts.
//
// Provides VM and vCPU management with memory mapping, register access,
// and execution control. Every failure is reported as an error; invalid
// input never reaches the framework.
//
// # Requirements
//
//   - macOS on Apple Silicon or on Intel with VT-x
//   - Hypervisor entitlement: com.apple.security.hypervisor
//   - Code signing with entitlements
//
// # Basic Usage
//
// Check if hypervisor is supported:
//
//	if !hypervisor.Supported() {
//		log.Fatal("Hypervisor not supported on this system")
//	}
//
// Create and manage a virtual machine:
//
//	// Create a new VM (only one VM per process is allowed)
//	vm, err := hypervisor.NewVM()
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer vm.Close()
//
//	// Create a virtual CPU
//	vcpu, err := vm.NewVCPU()
//	if err != nil {
//		log.Fatal("Failed to create vCPU:", err)
//	}
//	defer vcpu.Close()
//
// Memory management:
//
//	// Host memory and guest addresses must be page-aligned
//	hostMem, err := hypervisor.AllocHostMemory(int(vm.PageSize()))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer hypervisor.FreeHostMemory(hostMem)
//
//	err = vm.Map(hostMem, 0x4000, hypervisor.MemRead|hypervisor.MemWrite|hypervisor.MemExec)
//	if err != nil {
//		log.Fatal("Failed to map memory:", err)
//	}
//	defer vm.Unmap(0x4000, uint64(len(hostMem)))
//
// Mappings may not overlap. Unmap and Protect must cover whole mappings.
// VM.ReadAt and VM.WriteAt copy to and from guest physical memory.
//
// Register access and execution:
//
//	if err := vcpu.SetPC(0x4000); err != nil {
//		log.Fatal("Failed to set PC:", err)
//	}
//
//	info, err := vcpu.Run()
//	if err != nil {
//		log.Fatal("Failed to run vCPU:", err)
//	}
//
//	switch info.Reason {
//	case hypervisor.ExitException:
//		fmt.Printf("Guest exception: class=0x%x\n", info.Exception.Class)
//	case hypervisor.ExitMMIO:
//		fmt.Printf("MMIO at 0x%x\n", info.MMIO.Address)
//	}
//
// RunLoop repeats Run, passing each exit to a handler until the handler
// stops, fails, or the context is canceled. A canceled context is checked
// between runs; a guest that never exits is not interrupted.
//
// # Threads
//
// Each VCPU is bound to the OS thread that created it. The package keeps a
// dedicated locked goroutine per VCPU, so a VCPU handle may be used from any
// goroutine, but only by one at a time. Concurrent use fails with
// ErrInvalidState instead of blocking.
//
// # Error Handling
//
// Errors are *HVError values carrying an ErrorKind and, for framework
// failures, the hv_return_t code. Match them by kind:
//
//	if errors.Is(err, hypervisor.ErrPermissionDenied) {
//		// missing entitlement
//	}
//
// Set HV_ENV=production (or HV_DEBUG=false) to strip return codes from
// error messages.
//
// # Resource Management
//
// All resources (VMs and vCPUs) must be explicitly closed using Close().
// Finalizers provide safety net cleanup. Only one VM can exist per process.
// VM.Clone returns an additional handle; the VM is destroyed when the last
// handle is closed and no vCPU is alive. VM.Destroy tears the VM down for
// every handle at once.
//
// HV_MAX_VCPUS caps the number of vCPUs NewVM allows per VM.
//
// # Logging
//
// Lifecycle events are logged through log/slog. Use SetLogger to route them.
//
// # Code Signing and Entitlements
//
// Applications must be code signed with hypervisor entitlement:
//
//	<?xml version="1.0" encoding="UTF-8"?>
//	<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
//	    "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
//	<plist version="1.0">
//	<dict>
//	    <key>com.apple.security.hypervisor</key>
//	    <true/>
//	</dict>
//	</plist>
//
// Then sign your binary:
//
//	codesign --sign - --force --entitlements=hypervisor.entitlements ./your-app
package hypervisor
