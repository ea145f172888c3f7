package device

import (
	"io"

	"github.com/MinkowskiMetric/gokern/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output during
	// init should be written to w rather than whatever the kfmt output
	// sink currently is, since the driver being initialized may itself be
	// the thing that output sink ends up pointing at.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect a particular piece of hardware, returning the
// Driver that owns it or nil if the hardware is not present. Every package
// under device/ that implements a Driver registers one of these via
// RegisterDriver from an init() block.
type ProbeFn func() Driver

// DetectOrder controls the order hal.DetectHardware runs probes in. Lower
// values run first, so anything the later probes depend on (ACPI table
// availability, for instance) can declare itself earlier.
type DetectOrder int

const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo pairs a probe function with the order it should run in.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering by Order ascending.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of known drivers. Called from an
// init() block by every package that implements a hardware probe.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns every registered DriverInfo, in registration order
// (unsorted; callers that care about DetectOrder must sort the result
// themselves, since hal.DetectHardware does).
func DriverList() DriverInfoList {
	return registeredDrivers
}
