package console

import (
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"github.com/MinkowskiMetric/gokern/multiboot"
)

var getFramebufferInfoFn = multiboot.GetFramebufferInfo

// physToVirtFn is overridden in tests; production code always resolves a
// framebuffer's physical address through the identity-mapped window.
var physToVirtFn = vmm.PhysToVirt
