package apic

import (
	"unsafe"

	"github.com/MinkowskiMetric/gokern/device/acpi"
	"github.com/MinkowskiMetric/gokern/device/acpi/table"
	"github.com/MinkowskiMetric/gokern/kernel/irq"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"github.com/MinkowskiMetric/gokern/kernel/sync"
)

// I/O APIC MMIO register window: a single index register and a single data
// window at fixed offsets, regardless of how many redirection entries the
// chip actually has.
const (
	ioRegSel = 0x00
	ioWin    = 0x10

	ioapicIDReg  = 0x00
	ioapicVerReg = 0x01
	ioredtblBase = 0x10
)

// TriggerMode and Polarity mirror the MADT interrupt source override
// encoding, resolved down to the two concrete hardware settings the
// redirection table entry actually stores.
type TriggerMode uint8

const (
	TriggerEdge  TriggerMode = 0
	TriggerLevel TriggerMode = 1
)

type Polarity uint8

const (
	PolarityActiveHigh Polarity = 0
	PolarityActiveLow  Polarity = 1
)

// ioAPIC is one I/O APIC's register access plus the range of global system
// interrupts it owns.
type ioAPIC struct {
	lock          sync.Spinlock
	base          uintptr
	id            uint8
	count         uint8
	gsiBase       uint32
}

func (a *ioAPIC) readReg(reg uint8) uint32 {
	*(*uint32)(unsafeOffset(a.base, ioRegSel)) = uint32(reg)
	return *(*uint32)(unsafeOffset(a.base, ioWin))
}

func (a *ioAPIC) writeReg(reg uint8, value uint32) {
	*(*uint32)(unsafeOffset(a.base, ioRegSel)) = uint32(reg)
	*(*uint32)(unsafeOffset(a.base, ioWin)) = value
}

func (a *ioAPIC) readRedirTable(idx uint8) uint64 {
	lo := a.readReg(ioredtblBase + idx*2)
	hi := a.readReg(ioredtblBase + idx*2 + 1)
	return uint64(lo) | uint64(hi)<<32
}

func (a *ioAPIC) writeRedirTable(idx uint8, value uint64) {
	a.writeReg(ioredtblBase+idx*2, uint32(value))
	a.writeReg(ioredtblBase+idx*2+1, uint32(value>>32))
}

// maxRedirectionEntries reads how many redirection table entries this chip
// implements out of the version register (bits 16-23).
func (a *ioAPIC) maxRedirectionEntries() uint8 {
	return uint8(a.readReg(ioapicVerReg) >> 16)
}

// redirectEntry fields, laid out to match the 64-bit I/O redirection table
// format.
const (
	redirVectorShift  = 0
	redirDeliveryShift = 8
	redirDestModeShift = 11
	redirPolarityShift = 13
	redirTriggerShift  = 15
	redirMaskShift     = 16
	redirDestShift     = 56

	deliveryFixed = uint64(0)
	destPhysical  = uint64(0)
)

// redirectLegacyIRQ programs the redirection table entry for gsi to deliver
// vector to the given destination APIC ID in physical, fixed-delivery mode.
func (a *ioAPIC) redirectLegacyIRQ(gsi uint32, vector uint8, destAPICID uint8, trigger TriggerMode, polarity Polarity) {
	idx := uint8(gsi - a.gsiBase)

	entry := uint64(vector)<<redirVectorShift |
		deliveryFixed<<redirDeliveryShift |
		destPhysical<<redirDestModeShift |
		uint64(polarity)<<redirPolarityShift |
		uint64(trigger)<<redirTriggerShift |
		uint64(destAPICID)<<redirDestShift

	a.lock.Acquire()
	a.writeRedirTable(idx, entry)
	a.lock.Release()
}

// SetMasked masks or unmasks the redirection table entry for gsi.
func (a *ioAPIC) SetMasked(gsi uint32, masked bool) {
	idx := uint8(gsi - a.gsiBase)

	a.lock.Acquire()
	defer a.lock.Release()

	entry := a.readRedirTable(idx)
	entry &^= 1 << redirMaskShift
	if masked {
		entry |= 1 << redirMaskShift
	}
	a.writeRedirTable(idx, entry)
}

func (a *ioAPIC) owns(gsi uint32) bool {
	return gsi >= a.gsiBase && gsi < a.gsiBase+uint32(a.count)
}

var (
	ioAPICs       []*ioAPIC
	srcOverrides  []table.MADTEntryInterruptSrcOverride
)

func findIOAPIC(gsi uint32) *ioAPIC {
	for _, a := range ioAPICs {
		if a.owns(gsi) {
			return a
		}
	}
	return nil
}

func overrideFor(isaIRQ uint8) (table.MADTEntryInterruptSrcOverride, bool) {
	for _, o := range srcOverrides {
		if o.IRQSrc == isaIRQ {
			return o, true
		}
	}
	return table.MADTEntryInterruptSrcOverride{}, false
}

// legacy MPS INTI flags (MADTEntryInterruptSrcOverride.Flags), bits 0-1
// polarity and bits 2-3 trigger mode; 0 means "conforms to bus spec" in
// both fields.
const (
	mpsPolarityMask       = 0x3
	mpsPolarityActiveLow  = 0x3
	mpsTriggerModeMask    = 0xC
	mpsTriggerModeLevel   = 0xC
)

func decodeMPSFlags(flags uint16) (TriggerMode, Polarity) {
	trigger := TriggerEdge
	if flags&mpsTriggerModeMask == mpsTriggerModeLevel {
		trigger = TriggerLevel
	}
	polarity := PolarityActiveHigh
	if flags&mpsPolarityMask == mpsPolarityActiveLow {
		polarity = PolarityActiveLow
	}
	return trigger, polarity
}

// InitIOAPIC discovers every I/O APIC and interrupt source override from
// the MADT and remaps legacy ISA IRQs 0-15 onto irq.IRQRemapBase+n, honoring
// any override the MADT lists, all targeted at destAPICID (normally the
// BSP's local APIC ID -- this kernel never distributes interrupts across
// CPUs). Must run after acpi has probed and disableLegacyPIC has run.
func InitIOAPIC(destAPICID uint8) {
	madt, ok := acpi.GetMADT()
	if !ok {
		return
	}

	acpi.MADTEntries(madt, func(entryType table.MADTEntryType, payload unsafe.Pointer) {
		switch entryType {
		case table.MADTEntryTypeIOAPIC:
			e := (*table.MADTEntryIOAPIC)(payload)
			a := &ioAPIC{
				base:    vmm.PhysToVirt(uintptr(e.Address)),
				id:      e.APICID,
				gsiBase: e.SysInterruptBase,
			}
			a.count = a.maxRedirectionEntries() + 1
			ioAPICs = append(ioAPICs, a)
		case table.MADTEntryTypeIntSrcOverride:
			e := (*table.MADTEntryInterruptSrcOverride)(payload)
			srcOverrides = append(srcOverrides, *e)
		}
	})

	for isaIRQ := uint8(0); isaIRQ <= 15; isaIRQ++ {
		gsi := uint32(isaIRQ)
		trigger, polarity := TriggerEdge, PolarityActiveHigh

		if over, ok := overrideFor(isaIRQ); ok {
			gsi = over.GlobalInterrupt
			trigger, polarity = decodeMPSFlags(over.Flags)
		}

		a := findIOAPIC(gsi)
		if a == nil {
			continue
		}

		vector := uint8(irq.IRQRemapBase) + isaIRQ
		a.redirectLegacyIRQ(gsi, vector, destAPICID, trigger, polarity)
	}
}
