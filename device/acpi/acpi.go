package acpi

import (
	"github.com/MinkowskiMetric/gokern/device"
	"github.com/MinkowskiMetric/gokern/device/acpi/table"
	"github.com/MinkowskiMetric/gokern/kernel"
	"github.com/MinkowskiMetric/gokern/kernel/kfmt"
	"github.com/MinkowskiMetric/gokern/kernel/mem/vmm"
	"io"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
	madtSignature = "APIC"
)

// physToVirtFn is overridden in tests; production code always resolves
// ACPI table addresses through the identity-mapped physical window.
var physToVirtFn = vmm.PhysToVirt

type acpiDriver struct {
	// rsdtAddr holds the physical address of the root system descriptor
	// table.
	rsdtAddr uintptr

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	// The ACPI table map allows the driver to lookup an ACPI table header
	// by the table name. Table contents are read straight out of the
	// identity-mapped physical window that vmm.InstallIdentityMap sets up
	// during early boot, so nothing here needs its own page mappings.
	tableMap map[string]*table.SDTHeader
}

// driver is the process-wide ACPI driver instance, populated once probing
// succeeds. kernel/apic and kernel/smp consult it through GetMADT and
// MADTEntries to discover the interrupt controller topology.
var driver *acpiDriver

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)

	return nil
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			kfmt.SanitizeASCII(header.OEMID[:]),
			kfmt.SanitizeASCII(header.OEMTableID[:]),
		)
	}
}

// enumerateTables detects and records all ACPI tables that are present.
// Besides the table list defined by the RSDP, this method will also peek
// into the FADT (if found) looking for the address of DSDT.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := readACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
		tableBase    = physToVirtFn(drv.rsdtAddr)
	)

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := tableBase+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := tableBase+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = readACPITable(addr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		// The FADT allows us to lookup the DSDT table address
		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = readACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}

	}

	return nil
}

// readACPITable reads and parses the header for the ACPI table at the given
// physical address through the identity-mapped physical window, then
// verifies the checksum over the full table length before returning a
// pointer to the (virtually addressed) table header.
//
// Earlier revisions of this driver had to identity-map each table
// dynamically, one page at a time, before it could even read the length
// field. Since vmm.InstallIdentityMap already maps all of low physical
// memory, page by page, before any driver probing happens,
// every ACPI table is already reachable via vmm.PhysToVirt and none of that
// bookkeeping is needed anymore.
func readACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})

	virtAddr := physToVirtFn(tableAddr)
	header = (*table.SDTHeader)(unsafe.Pointer(virtAddr))

	if !validTable(virtAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT scans the physical memory region [rsdpLocationLow, rsdpLocationHi]
// looking for the signature of the root system descriptor pointer (RSDP). If
// the RSDP is found and is valid, locateRSDT returns the physical address of
// the root system descriptor table (RSDT) or the extended system descriptor
// table (XSDT) if the system supports ACPI 2.0+.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	var (
		rsdp  *table.RSDPDescriptor
		rsdp2 *table.ExtRSDPDescriptor
	)

	virtLow := physToVirtFn(rsdpLocationLow)
	virtHi := physToVirtFn(rsdpLocationHi)

	// The RSDP should be aligned on a 16-byte boundary
checkNextBlock:
	for curPtr := virtLow; curPtr < virtHi; curPtr += rsdpAlignment {
		rsdp = (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return uintptr(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// which can be accessed at the same place.
		rsdp2 = (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
			continue
		}

		return uintptr(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at the virtual address tablePtr, and returns true if the
// table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

// GetMADT returns the parsed MADT table header, if one was found during
// enumeration. kernel/apic uses this to walk the local APIC, I/O APIC and
// interrupt source override entries that follow it.
func GetMADT() (*table.MADT, bool) {
	if driver == nil {
		return nil, false
	}

	header, ok := driver.tableMap[madtSignature]
	if !ok {
		return nil, false
	}

	return (*table.MADT)(unsafe.Pointer(header)), true
}

// MADTEntries walks the variable-length entry list following the MADT
// header, invoking visit once per entry with its type and a pointer to its
// payload (the bytes following the common Type/Length fields).
func MADTEntries(madt *table.MADT, visit func(entryType table.MADTEntryType, payload unsafe.Pointer)) {
	const entryHeaderSize = unsafe.Sizeof(table.MADTEntry{})

	base := uintptr(unsafe.Pointer(madt))
	cur := base + unsafe.Sizeof(table.MADT{})
	end := base + uintptr(madt.Length)

	for cur < end {
		entry := (*table.MADTEntry)(unsafe.Pointer(cur))
		if entry.Length == 0 {
			break
		}

		visit(entry.Type, unsafe.Pointer(cur+entryHeaderSize))
		cur += uintptr(entry.Length)
	}
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		drv := &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
		driver = drv
		return drv
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
