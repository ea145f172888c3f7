package irq

import (
	"reflect"
	"unsafe"

	"github.com/MinkowskiMetric/gokern/kernel/cpu"
)

// kernelCodeSelector must match the kernel code segment gdt.Init installs.
// Every IDT gate points at code running in ring 0 against this selector.
const kernelCodeSelector = uint16(0x08)

const (
	gateTypeInterrupt = uint8(0x8E) // present, DPL 0, 64-bit interrupt gate
)

// gateDescriptor is the 16-byte IDT entry format used in long mode.
type gateDescriptor struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var idt [256]gateDescriptor

// idtrBlob is the 10-byte IDTR value (2-byte limit, 8-byte linear base)
// cpu.LoadIDT expects a pointer to.
var idtrBlob struct {
	limit uint16
	base  uint64
}

// stubTable maps each vector to the address of its generated assembly
// entry point (irq_amd64.s). Built once from Go function values via
// reflect, since a bodyless Go func backed by a TEXT symbol is otherwise
// only callable, not addressable, from ordinary Go code.
var stubTable [256]uintptr

func init() {
	set := func(v Vector, fn interface{}) {
		stubTable[v] = reflect.ValueOf(fn).Pointer()
	}
	set(0, stub0)
	set(1, stub1)
	set(2, stub2)
	set(3, stub3)
	set(4, stub4)
	set(5, stub5)
	set(6, stub6)
	set(7, stub7)
	set(8, stub8)
	set(9, stub9)
	set(10, stub10)
	set(11, stub11)
	set(12, stub12)
	set(13, stub13)
	set(14, stub14)
	set(15, stub15)
	set(16, stub16)
	set(17, stub17)
	set(18, stub18)
	set(19, stub19)
	set(20, stub20)
	set(21, stub21)
	set(22, stub22)
	set(23, stub23)
	set(24, stub24)
	set(25, stub25)
	set(26, stub26)
	set(27, stub27)
	set(28, stub28)
	set(29, stub29)
	set(30, stub30)
	set(31, stub31)
	set(32, stub32)
	set(33, stub33)
	set(34, stub34)
	set(35, stub35)
	set(36, stub36)
	set(37, stub37)
	set(38, stub38)
	set(39, stub39)
	set(40, stub40)
	set(41, stub41)
	set(42, stub42)
	set(43, stub43)
	set(44, stub44)
	set(45, stub45)
	set(46, stub46)
	set(47, stub47)
	set(VectorTLBShootdown, stubTLBShootdown)
	set(VectorHalt, stubHalt)
	set(VectorSpurious, stubSpurious)

	for v := range stubTable {
		if stubTable[v] == 0 {
			// Vectors 48..0xEF, 0xF1..0xFD and nothing else map to the
			// shared "unrecognized IPI/device vector" stub, since they
			// are populated at runtime by kernel/apic device registration
			// rather than being known ahead of time here.
			stubTable[v] = stubTable[int(VectorSpurious)]
		}
	}
}

// stub0..stub47, stubTLBShootdown, stubHalt and stubSpurious are the
// assembly entry points defined in irq_amd64.s. They are never called
// directly from Go; they exist as addressable Go symbols purely so
// installGate can find their entry PC.
func stub0()
func stub1()
func stub2()
func stub3()
func stub4()
func stub5()
func stub6()
func stub7()
func stub8()
func stub9()
func stub10()
func stub11()
func stub12()
func stub13()
func stub14()
func stub15()
func stub16()
func stub17()
func stub18()
func stub19()
func stub20()
func stub21()
func stub22()
func stub23()
func stub24()
func stub25()
func stub26()
func stub27()
func stub28()
func stub29()
func stub30()
func stub31()
func stub32()
func stub33()
func stub34()
func stub35()
func stub36()
func stub37()
func stub38()
func stub39()
func stub40()
func stub41()
func stub42()
func stub43()
func stub44()
func stub45()
func stub46()
func stub47()
func stubTLBShootdown()
func stubHalt()
func stubSpurious()

func encodeGate(offset uintptr, istOffset uint8) gateDescriptor {
	return gateDescriptor{
		offsetLow:  uint16(offset),
		selector:   kernelCodeSelector,
		ist:        istOffset & 0x7,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(offset >> 16),
		offsetHigh: uint32(offset >> 32),
	}
}

// installGate patches the IDT entry for vector to point at its generated
// stub, with the IST index field set if istOffset != 0.
func installGate(vector Vector, istOffset uint8) {
	idt[vector] = encodeGate(stubTable[vector], istOffset)
}

// installIDT fills in every slot that HandleInterrupt has not already
// claimed with its default stub, then loads IDTR.
func installIDT() {
	for v := range idt {
		if idt[v] == (gateDescriptor{}) {
			installGate(Vector(v), 0)
		}
	}

	idtrBlob.limit = uint16(unsafe.Sizeof(idt) - 1)
	idtrBlob.base = uint64(uintptr(unsafe.Pointer(&idt[0])))
	cpu.LoadIDT(uintptr(unsafe.Pointer(&idtrBlob)))
}
