package irq

import (
	"strings"
	"testing"
	"unsafe"
)

func TestDisassembleFault(t *testing.T) {
	t.Run("decodes a known instruction", func(t *testing.T) {
		// 0xC3 = RET, padded with NOPs so disassembleFault's fixed-size
		// read never walks past the end of the backing array.
		buf := make([]byte, maxInstLen)
		buf[0] = 0xC3
		for i := 1; i < len(buf); i++ {
			buf[i] = 0x90
		}

		rip := uint64(uintptr(unsafe.Pointer(&buf[0])))
		got := disassembleFault(rip)
		if !strings.Contains(got, "RET") {
			t.Fatalf("expected decoded mnemonic to contain RET; got %q", got)
		}
	})
}
