// Package apic drives the local APIC and I/O APIC that replace the legacy
// 8259 PIC once SMP is in play: a LAPIC per CPU for IPIs and timer/error
// interrupts, and one or more I/O APICs remapping legacy ISA IRQs onto the
// vector range kernel/irq reserves for them.
package apic

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
)

func unsafeOffset(base, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(base + offset)
}

// iaApicBaseMSR is IA32_APIC_BASE; bits 12-35 hold the LAPIC's physical
// base address.
const iaApicBaseMSR = uint32(0x1B)

// LAPIC register offsets, relative to the mapping base.
const (
	regID        = 0x20
	regEOI       = 0xB0
	regSpurious  = 0xF0
	regICRLow    = 0x300
	regICRHigh   = 0x310
	icrDeliveryPending = uint32(1 << 12)
)

const (
	spuriousVectorEnable = uint32(1 << 8)
)

// LocalAPIC is the register window for the current CPU's local APIC,
// accessed through the identity-mapped physical window -- the LAPIC base
// always lives below 4 GiB, well within vmm.IdentityMapSize.
type LocalAPIC struct {
	base uintptr
}

var bsp LocalAPIC

// legacy 8259 PIC I/O ports, disabled once the I/O APIC takes over routing.
const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xA0
	picSlaveData  = 0xA1

	picInitICW1     = 0x11
	picEndOfInit    = 0x20
	picReadModeAuto = 0x01
)

func disableLegacyPIC() {
	cpu.Outb(picMasterCmd, picInitICW1)
	cpu.Outb(picSlaveCmd, picInitICW1)

	// Remap both PICs' vectors out of the way of CPU exceptions even
	// though every line is about to be masked: a PIC that is still
	// mid-service when masked can otherwise deliver a stray vector into
	// the 0-31 exception range.
	cpu.Outb(picMasterData, 0x20)
	cpu.Outb(picSlaveData, 0x28)

	cpu.Outb(picMasterData, 4) // tell master about the slave on IRQ2
	cpu.Outb(picSlaveData, 2)  // tell slave its cascade identity

	cpu.Outb(picMasterData, picReadModeAuto)
	cpu.Outb(picSlaveData, picReadModeAuto)

	cpu.Outb(picMasterData, 0xFF) // mask all lines
	cpu.Outb(picSlaveData, 0xFF)

	cpu.Outb(picMasterCmd, picEndOfInit)
	cpu.Outb(picSlaveCmd, picEndOfInit)
}

// InitBSP disables the legacy PIC, maps the BSP's local APIC and arms the
// spurious interrupt vector. Must run after kernel/irq.Init has installed
// the IDT, since enabling the LAPIC can immediately start delivering the
// spurious vector.
func InitBSP() {
	disableLegacyPIC()

	physBase := uintptr(cpu.RDMSR(iaApicBaseMSR)&0xffff_f000)
	bsp = LocalAPIC{base: vmm.PhysToVirt(physBase)}

	bsp.enable()
}

// InitAP arms the spurious interrupt vector on an application processor's
// local APIC. The register window mechanics are identical on every CPU, so
// no fresh mapping is required; each AP simply reuses the BSP's view.
func InitAP() {
	bsp.enable()
}

func (l *LocalAPIC) enable() {
	l.write(regSpurious, spuriousVectorEnable|uint32(0xFF))
}

func (l *LocalAPIC) read(offset uintptr) uint32 {
	return *(*uint32)(unsafeOffset(l.base, offset))
}

func (l *LocalAPIC) write(offset uintptr, value uint32) {
	*(*uint32)(unsafeOffset(l.base, offset)) = value
}

// ID returns this CPU's local APIC ID.
func (l *LocalAPIC) ID() uint32 {
	return l.read(regID) >> 24
}

// EOI signals end-of-interrupt to the local APIC. Every interrupt handler
// for a vector the LAPIC or I/O APIC delivers must call this before
// returning.
func (l *LocalAPIC) EOI() {
	l.write(regEOI, 0)
}

// SetICR writes the interrupt command register, used to send IPIs. It busy
// waits for the delivery-pending bit to clear both before and after the
// write, matching the sequencing the APIC requires: the high dword (target
// APIC ID) must land before the low dword (the command that triggers
// delivery).
func (l *LocalAPIC) SetICR(value uint64) {
	for l.read(regICRLow)&icrDeliveryPending != 0 {
		cpu.Pause()
	}
	l.write(regICRHigh, uint32(value>>32))
	l.write(regICRLow, uint32(value))
	for l.read(regICRLow)&icrDeliveryPending != 0 {
		cpu.Pause()
	}
}

// BSP returns the local APIC handle for the current CPU.
func BSP() *LocalAPIC {
	return &bsp
}

// InitialAPICID reads this CPU's APIC ID straight out of CPUID, usable
// before the LAPIC mapping exists (e.g. to pick a destination for an INIT
// IPI during SMP bring-up).
func InitialAPICID() uint8 {
	_, ebx, _, _ := cpu.ID(1)
	return uint8(ebx >> 24)
}
