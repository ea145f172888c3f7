// Package diag builds diagnostic snapshots of kernel state for offline
// analysis. The scheduler snapshot is encoded as a pprof profile so it can
// be pulled off the serial line and inspected with `go tool pprof` the same
// way as any userspace profile.
package diag

import (
	"github.com/MinkowskiMetric/gokern/kernel/apic"
	"github.com/MinkowskiMetric/gokern/kernel/irq"
	"github.com/MinkowskiMetric/gokern/kernel/kfmt"
)

// VectorDebugDump is the debug-dump IPI vector. kernel/apic's I/O APIC setup
// only ever remaps the 16 legacy ISA lines onto irq.IRQRemapBase..+15
// (vectors 0x20-0x2f); the slot one past that range is never claimed by any
// device, so it is reused here instead of spending one of the small number
// of fixed-purpose vectors above VectorTLBShootdown.
const VectorDebugDump = irq.IRQRemapBase + 16

func init() {
	irq.HandleInterrupt(VectorDebugDump, 0, func(_ irq.Vector, _ *irq.InterruptErrorStack) {
		apic.BSP().EOI()
		if err := WriteSchedulerProfile(kfmt.GetOutputSink()); err != nil {
			kfmt.Printf("diag: failed to write scheduler profile: %s\n", err)
		}
	})
}

const (
	icrDeliveryFixed = uint64(0)
	// icrDestSelf is ICR destination-shorthand 0b01: deliver to the
	// issuing CPU's own local APIC without needing its APIC ID.
	icrDestSelf = uint64(0b01) << 18
)

// TriggerSelf posts the debug-dump IPI to the calling CPU's own local APIC.
// The handler runs once interrupts are next enabled on that CPU and writes
// a scheduler snapshot to the active kfmt output sink.
func TriggerSelf() {
	apic.BSP().SetICR(icrDestSelf | icrDeliveryFixed | uint64(VectorDebugDump))
}
