// Package boot sequences everything between the bootloader handing off
// control and the scheduler taking over: early GDT, the physical frame
// allocator's low zone, the identity map, the kernel-heap region allocator,
// the Go runtime's memory allocator, interrupt and APIC setup, hardware
// probing, and finally SMP bring-up.
package boot

import (
	_ "github.com/MinkowskiMetric/gokern/device/acpi"
	"github.com/MinkowskiMetric/gokern/kernel/apic"
	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/gdt"
	"github.com/MinkowskiMetric/gokern/kernel/goruntime"
	"github.com/MinkowskiMetric/gokern/kernel/hal"
	"github.com/MinkowskiMetric/gokern/kernel/irq"
	"github.com/MinkowskiMetric/gokern/kernel/kfmt"
	"github.com/MinkowskiMetric/gokern/kernel/mem"
	"github.com/MinkowskiMetric/gokern/kernel/mem/heap"
	"github.com/MinkowskiMetric/gokern/kernel/mem/pmm"
	"github.com/MinkowskiMetric/gokern/kernel/mem/region"
	"github.com/MinkowskiMetric/gokern/kernel/mem/stack"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"github.com/MinkowskiMetric/gokern/kernel/sched"
	"github.com/MinkowskiMetric/gokern/kernel/smp"
	"github.com/MinkowskiMetric/gokern/multiboot"
)

// kernelHeapBase/kernelHeapLimit bound the VA range the region allocator
// carves the kernel heap, kernel stacks and physical-mapping windows out
// of. Placed well past the end of the identity map
// (IdentityMapBase+IdentityMapSize) so the two ranges can never overlap
// regardless of how much physical memory a machine reports.
const (
	kernelHeapBase  = vmm.IdentityMapBase + vmm.IdentityMapSize
	kernelHeapLimit = kernelHeapBase + uintptr(mem.Gb)*64
)

// bootstrapHeap satisfies heap allocations made before the region allocator
// is up (pmm's own low-zone bitmask is static, but everything allocated
// between goruntime.Init and heap's first region-backed growth needs
// somewhere to come from).
var bootstrapHeap [1 << 20]byte

// Boot brings the BSP all the way from bootloader handoff to the scheduler
// idle loop. It never returns in practice; if every phase succeeds the tail
// call into the scheduler's idle loop runs forever, and if a phase fails
// kfmt.Panic halts the CPU instead of returning.
//
//go:noinline
func Boot(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("booting\n")

	gdt.Init()

	pmm.EarlyInit()

	mapper := vmm.ActiveMapper()
	if err := vmm.InstallIdentityMap(mapper); err != nil {
		kfmt.Panic(err)
	}

	if err := region.Init(mapper, kernelHeapBase, kernelHeapLimit); err != nil {
		kfmt.Panic(err)
	}
	heap.Init(bootstrapHeap[:])
	pmm.SetHeapAllocFunc(func(size uintptr) uintptr {
		addr, err := heap.Allocate(size, uintptr(mem.PageSize))
		if err != nil {
			kfmt.Panic(err)
		}
		return addr
	})
	pmm.InitPostPaging()

	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	block := sched.NewPerCPUBlock(apic.InitialAPICID())
	gdt.InitPostPaging(block.FSBase())

	irq.Init()
	apic.InitBSP()

	hal.DetectHardware()

	apic.InitIOAPIC(apic.InitialAPICID())

	idle, err := sched.NewIdleTask(block.CPUID, stack.DefaultPages)
	if err != nil {
		kfmt.Panic(err)
	}
	sched.Init(idle)

	cpu.EnableInterrupts()

	kfmt.Printf("bringing up application processors\n")
	smp.Start(bootAP)
	smp.ReleaseAPs()

	for {
		sched.Reschedule()
		cpu.Halt()
	}
}

// bootAP runs on every application processor once it has switched onto its
// own stack in long mode through the BSP's page tables. It repeats the
// per-CPU slice of the BSP's own sequence: a fresh GDT/TSS, the shared IDT
// reloaded onto this CPU, this CPU's local APIC armed, and an idle task
// handed to the scheduler. smp.apDispatch calls smp.MarkReady and enters
// the idle loop once this function returns.
func bootAP(cpuID uint8) {
	block := sched.NewPerCPUBlock(cpuID)
	gdt.InitAP(block.FSBase())

	irq.Init()
	apic.InitAP()

	idle, err := sched.NewIdleTask(cpuID, stack.DefaultPages)
	if err != nil {
		kfmt.Panic(err)
	}
	sched.Init(idle)

	cpu.EnableInterrupts()
}
