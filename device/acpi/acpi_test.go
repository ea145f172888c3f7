package acpi

import (
	"github.com/MinkowskiMetric/gokern/device/acpi/table"
	"io/ioutil"
	"os"
	"testing"
	"unsafe"
)

func TestLocateRSDT(t *testing.T) {
	defer func(low, hi, align uintptr) {
		physToVirtFn = identityPhysToVirt
		rsdpLocationLow = low
		rsdpLocationHi = hi
		rsdpAlignment = align
	}(rsdpLocationLow, rsdpLocationHi, rsdpAlignment)

	physToVirtFn = identityPhysToVirt

	t.Run("ACPI1", func(t *testing.T) {
		sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})

		// Leave the first slot blank so locateRSDT has to skip over it.
		buf := make([]byte, 2*sizeofRSDP)
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[sizeofRSDP]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev1
		rsdp.RSDTAddr = 0xbadf00
		fixChecksum(unsafe.Pointer(rsdp), unsafe.Sizeof(*rsdp), &rsdp.Checksum)

		rsdpLocationLow = uintptr(unsafe.Pointer(&buf[0]))
		rsdpLocationHi = uintptr(unsafe.Pointer(&buf[len(buf)-1]))
		rsdpAlignment = 1

		addr, useXSDT, err := locateRSDT()
		if err != nil {
			t.Fatal(err)
		}
		if useXSDT {
			t.Fatal("expected locateRSDT to report the RSDT and not the XSDT")
		}
		if addr != uintptr(rsdp.RSDTAddr) {
			t.Fatalf("expected RSDT address 0x%x; got 0x%x", rsdp.RSDTAddr, addr)
		}
	})

	t.Run("ACPI2+", func(t *testing.T) {
		sizeofExtRSDP := unsafe.Sizeof(table.ExtRSDPDescriptor{})

		buf := make([]byte, 2*sizeofExtRSDP)
		rsdp := (*table.ExtRSDPDescriptor)(unsafe.Pointer(&buf[sizeofExtRSDP]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev2Plus
		rsdp.RSDTAddr = 0xbadf00 // must be ignored in favor of XSDTAddr
		fixChecksum(unsafe.Pointer(rsdp), unsafe.Sizeof(rsdp.RSDPDescriptor), &rsdp.Checksum)
		rsdp.XSDTAddr = 0xc0ffee
		fixChecksum(unsafe.Pointer(rsdp), sizeofExtRSDP, &rsdp.ExtendedChecksum)

		rsdpLocationLow = uintptr(unsafe.Pointer(&buf[0]))
		rsdpLocationHi = uintptr(unsafe.Pointer(&buf[len(buf)-1]))
		rsdpAlignment = 1

		addr, useXSDT, err := locateRSDT()
		if err != nil {
			t.Fatal(err)
		}
		if !useXSDT {
			t.Fatal("expected locateRSDT to report the XSDT and not the RSDT")
		}
		if addr != uintptr(rsdp.XSDTAddr) {
			t.Fatalf("expected XSDT address 0x%x; got 0x%x", rsdp.XSDTAddr, addr)
		}
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
		buf := make([]byte, sizeofRSDP)
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[0]))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = acpiRev1
		rsdp.Checksum = 0xff // wrong on purpose

		rsdpLocationLow = uintptr(unsafe.Pointer(&buf[0]))
		rsdpLocationHi = uintptr(unsafe.Pointer(&buf[len(buf)-1]))
		rsdpAlignment = 1

		if _, _, err := locateRSDT(); err != errMissingRSDP {
			t.Fatalf("expected errMissingRSDP; got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		buf := make([]byte, 32)
		rsdpLocationLow = uintptr(unsafe.Pointer(&buf[0]))
		rsdpLocationHi = uintptr(unsafe.Pointer(&buf[len(buf)-1]))
		rsdpAlignment = 1

		if _, _, err := locateRSDT(); err != errMissingRSDP {
			t.Fatalf("expected errMissingRSDP; got %v", err)
		}
	})
}

func TestProbeForACPI(t *testing.T) {
	defer func(low, hi, align uintptr) {
		physToVirtFn = identityPhysToVirt
		rsdpLocationLow = low
		rsdpLocationHi = hi
		rsdpAlignment = align
	}(rsdpLocationLow, rsdpLocationHi, rsdpAlignment)

	physToVirtFn = identityPhysToVirt

	sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
	buf := make([]byte, sizeofRSDP)
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[0]))
	rsdp.Signature = rsdpSignature
	rsdp.Revision = acpiRev1
	rsdp.RSDTAddr = 0xbadf00
	fixChecksum(unsafe.Pointer(rsdp), sizeofRSDP, &rsdp.Checksum)

	rsdpLocationLow = uintptr(unsafe.Pointer(&buf[0]))
	rsdpLocationHi = uintptr(unsafe.Pointer(&buf[len(buf)-1]))
	rsdpAlignment = 1

	drv := probeForACPI()
	if drv == nil {
		t.Fatal("expected probeForACPI to return a driver")
	}

	drv.DriverName()
	drv.DriverVersion()

	acpiDrv := drv.(*acpiDriver)
	if acpiDrv.rsdtAddr != uintptr(rsdp.RSDTAddr) {
		t.Fatalf("expected rsdtAddr 0x%x; got 0x%x", rsdp.RSDTAddr, acpiDrv.rsdtAddr)
	}
}

func TestEnumerateTables(t *testing.T) {
	defer func() {
		physToVirtFn = identityPhysToVirt
	}()

	expTables := []string{"SSDT", "APIC", "FACP", "DSDT"}

	t.Run("ACPI2+ (XSDT, real pointers)", func(t *testing.T) {
		physToVirtFn = identityPhysToVirt

		rsdtAddr, _ := buildTestTables(t, acpiRev2Plus)

		drv := &acpiDriver{rsdtAddr: rsdtAddr, useXSDT: true}
		if err := drv.enumerateTables(os.Stderr); err != nil {
			t.Fatal(err)
		}

		assertTablesFound(t, drv, expTables)
		drv.printTableInfo(ioutil.Discard)
	})

	t.Run("ACPI1 (RSDT, 32-bit pointers via fake identity map)", func(t *testing.T) {
		fakeAddrs := map[uintptr]uintptr{}
		physToVirtFn = func(phys uintptr) uintptr {
			if real, ok := fakeAddrs[phys]; ok {
				return real
			}
			return phys
		}

		rsdtAddr, tableList := buildTestTables32(t, fakeAddrs)

		drv := &acpiDriver{rsdtAddr: rsdtAddr, useXSDT: false}
		if err := drv.enumerateTables(os.Stderr); err != nil {
			t.Fatal(err)
		}

		assertTablesFound(t, drv, expTables)
		_ = tableList
	})

	t.Run("checksum mismatch is skipped", func(t *testing.T) {
		physToVirtFn = identityPhysToVirt

		rsdtAddr, tableList := buildTestTables(t, acpiRev2Plus)
		for _, hdr := range tableList {
			if sig := string(hdr.Signature[:]); sig == "SSDT" || sig == "DSDT" {
				hdr.Checksum++
			}
		}

		drv := &acpiDriver{rsdtAddr: rsdtAddr, useXSDT: true}
		if err := drv.enumerateTables(os.Stderr); err != nil {
			t.Fatal(err)
		}

		assertTablesFound(t, drv, []string{"APIC", "FACP"})
		if _, ok := drv.tableMap["SSDT"]; ok {
			t.Fatal("expected SSDT with bad checksum to be skipped")
		}
	})
}

func TestDriverInit(t *testing.T) {
	defer func() {
		physToVirtFn = identityPhysToVirt
	}()
	physToVirtFn = identityPhysToVirt

	rsdtAddr, _ := buildTestTables(t, acpiRev2Plus)
	drv := &acpiDriver{rsdtAddr: rsdtAddr, useXSDT: true}

	if err := drv.DriverInit(ioutil.Discard); err != nil {
		t.Fatal(err)
	}
}

func TestReadACPITableChecksumMismatch(t *testing.T) {
	defer func() {
		physToVirtFn = identityPhysToVirt
	}()
	physToVirtFn = identityPhysToVirt

	buf := buildTable("SSDT", nil)
	hdr := (*table.SDTHeader)(unsafe.Pointer(&buf[0]))
	hdr.Checksum++

	_, _, err := readACPITable(uintptr(unsafe.Pointer(&buf[0])))
	if err != errTableChecksumMismatch {
		t.Fatalf("expected errTableChecksumMismatch; got %v", err)
	}
}

func TestMADTEntries(t *testing.T) {
	entryHdrSize := int(unsafe.Sizeof(table.MADTEntry{}))

	localAPIC := table.MADTEntryLocalAPIC{ProcessorID: 0, APICID: 1, Flags: 1}
	ioAPIC := table.MADTEntryIOAPIC{APICID: 2, Address: 0xfec00000, SysInterruptBase: 0}

	entries := make([]byte, 0)
	entries = append(entries, encodeMADTEntry(table.MADTEntryTypeLocalAPIC, entryHdrSize, asBytes(unsafe.Pointer(&localAPIC), unsafe.Sizeof(localAPIC)))...)
	entries = append(entries, encodeMADTEntry(table.MADTEntryTypeIOAPIC, entryHdrSize, asBytes(unsafe.Pointer(&ioAPIC), unsafe.Sizeof(ioAPIC)))...)

	sizeofMADT := int(unsafe.Sizeof(table.MADT{}))
	buf := make([]byte, sizeofMADT+len(entries))
	madt := (*table.MADT)(unsafe.Pointer(&buf[0]))
	copy(madt.Signature[:], "APIC")
	madt.Length = uint32(len(buf))
	copy(buf[sizeofMADT:], entries)

	var seen []table.MADTEntryType
	MADTEntries(madt, func(entryType table.MADTEntryType, payload unsafe.Pointer) {
		seen = append(seen, entryType)
		switch entryType {
		case table.MADTEntryTypeLocalAPIC:
			got := (*table.MADTEntryLocalAPIC)(payload)
			if got.APICID != localAPIC.APICID {
				t.Fatalf("expected local APIC id %d; got %d", localAPIC.APICID, got.APICID)
			}
		case table.MADTEntryTypeIOAPIC:
			got := (*table.MADTEntryIOAPIC)(payload)
			if got.Address != ioAPIC.Address {
				t.Fatalf("expected I/O APIC address 0x%x; got 0x%x", ioAPIC.Address, got.Address)
			}
		}
	})

	if len(seen) != 2 {
		t.Fatalf("expected 2 MADT entries to be visited; got %d", len(seen))
	}
}

func TestGetMADT(t *testing.T) {
	defer func() { driver = nil }()

	driver = nil
	if _, ok := GetMADT(); ok {
		t.Fatal("expected GetMADT to report false with no driver installed")
	}

	buf := buildTable("APIC", nil)
	hdr := (*table.SDTHeader)(unsafe.Pointer(&buf[0]))

	driver = &acpiDriver{tableMap: map[string]*table.SDTHeader{"APIC": hdr}}
	madt, ok := GetMADT()
	if !ok {
		t.Fatal("expected GetMADT to report true")
	}
	if uintptr(unsafe.Pointer(madt)) != uintptr(unsafe.Pointer(hdr)) {
		t.Fatal("expected GetMADT to return a pointer to the registered APIC table")
	}
}

// identityPhysToVirt is the default test stand-in for vmm.PhysToVirt: test
// fixtures live in regular Go-allocated buffers, so their "physical address"
// is already a valid pointer the test process can dereference.
func identityPhysToVirt(phys uintptr) uintptr {
	return phys
}

// buildTable assembles a standalone ACPI table consisting of just a header
// (plus optional payload bytes) with a correct checksum.
func buildTable(signature string, payload []byte) []byte {
	sizeofHeader := int(unsafe.Sizeof(table.SDTHeader{}))
	buf := make([]byte, sizeofHeader+len(payload))

	hdr := (*table.SDTHeader)(unsafe.Pointer(&buf[0]))
	copy(hdr.Signature[:], signature)
	hdr.Length = uint32(len(buf))
	copy(buf[sizeofHeader:], payload)

	fixChecksum(unsafe.Pointer(&buf[0]), uintptr(len(buf)), &hdr.Checksum)
	return buf
}

// buildTestTables assembles an RSDT/XSDT referencing a SSDT, a FADT (pointing
// at a DSDT) and a MADT using real 64-bit pointers, suitable for the XSDT
// (ACPI 2.0+) code path.
func buildTestTables(t *testing.T, acpiVersion uint8) (rsdtAddr uintptr, tableList []*table.SDTHeader) {
	t.Helper()

	ssdtBuf := buildTable("SSDT", nil)
	madtBuf := buildTable("APIC", make([]byte, int(unsafe.Sizeof(table.MADT{}))-int(unsafe.Sizeof(table.SDTHeader{}))))
	dsdtBuf := buildTable("DSDT", nil)

	sizeofFADT := int(unsafe.Sizeof(table.FADT{}))
	fadtBuf := make([]byte, sizeofFADT)
	fadt := (*table.FADT)(unsafe.Pointer(&fadtBuf[0]))
	copy(fadt.Signature[:], "FACP")
	fadt.Length = uint32(sizeofFADT)
	fadt.Ext.Dsdt = uint64(uintptr(unsafe.Pointer(&dsdtBuf[0])))
	fixChecksum(unsafe.Pointer(&fadtBuf[0]), uintptr(sizeofFADT), &fadt.Checksum)

	ssdtHdr := (*table.SDTHeader)(unsafe.Pointer(&ssdtBuf[0]))
	madtHdr := (*table.SDTHeader)(unsafe.Pointer(&madtBuf[0]))
	dsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&dsdtBuf[0]))
	tableList = []*table.SDTHeader{ssdtHdr, madtHdr, &fadt.SDTHeader, dsdtHdr}

	ptrs := []uintptr{
		uintptr(unsafe.Pointer(&ssdtBuf[0])),
		uintptr(unsafe.Pointer(&madtBuf[0])),
		uintptr(unsafe.Pointer(&fadtBuf[0])),
	}

	sizeofHeader := int(unsafe.Sizeof(table.SDTHeader{}))
	rsdtBuf := make([]byte, sizeofHeader+8*len(ptrs))
	rsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	copy(rsdtHdr.Signature[:], "RSDT")
	rsdtHdr.Revision = acpiVersion
	rsdtHdr.Length = uint32(len(rsdtBuf))
	for i, p := range ptrs {
		*(*uint64)(unsafe.Pointer(&rsdtBuf[sizeofHeader+8*i])) = uint64(p)
	}
	fixChecksum(unsafe.Pointer(&rsdtBuf[0]), uintptr(len(rsdtBuf)), &rsdtHdr.Checksum)

	return uintptr(unsafe.Pointer(&rsdtBuf[0])), tableList
}

// buildTestTables32 is the 32-bit-pointer (ACPI 1.0 RSDT) counterpart of
// buildTestTables. Since the test process's real addresses rarely fit in a
// uint32, each table is referenced by a small fake physical address that
// fakeAddrs maps back to the table's real address; the caller installs a
// physToVirtFn that consults fakeAddrs before falling back to identity.
func buildTestTables32(t *testing.T, fakeAddrs map[uintptr]uintptr) (rsdtAddr uintptr, tableList []*table.SDTHeader) {
	t.Helper()

	const (
		fakeRSDT uintptr = 0x1000
		fakeSSDT uintptr = 0x2000
		fakeMADT uintptr = 0x3000
		fakeFADT uintptr = 0x4000
		fakeDSDT uintptr = 0x5000
	)

	ssdtBuf := buildTable("SSDT", nil)
	madtBuf := buildTable("APIC", make([]byte, int(unsafe.Sizeof(table.MADT{}))-int(unsafe.Sizeof(table.SDTHeader{}))))
	dsdtBuf := buildTable("DSDT", nil)

	fakeAddrs[fakeSSDT] = uintptr(unsafe.Pointer(&ssdtBuf[0]))
	fakeAddrs[fakeMADT] = uintptr(unsafe.Pointer(&madtBuf[0]))
	fakeAddrs[fakeDSDT] = uintptr(unsafe.Pointer(&dsdtBuf[0]))

	sizeofFADT := int(unsafe.Sizeof(table.FADT{}))
	fadtBuf := make([]byte, sizeofFADT)
	fadt := (*table.FADT)(unsafe.Pointer(&fadtBuf[0]))
	copy(fadt.Signature[:], "FACP")
	fadt.Length = uint32(sizeofFADT)
	fadt.Dsdt = uint32(fakeDSDT)
	fixChecksum(unsafe.Pointer(&fadtBuf[0]), uintptr(sizeofFADT), &fadt.Checksum)
	fakeAddrs[fakeFADT] = uintptr(unsafe.Pointer(&fadtBuf[0]))

	ssdtHdr := (*table.SDTHeader)(unsafe.Pointer(&ssdtBuf[0]))
	madtHdr := (*table.SDTHeader)(unsafe.Pointer(&madtBuf[0]))
	dsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&dsdtBuf[0]))
	tableList = []*table.SDTHeader{ssdtHdr, madtHdr, &fadt.SDTHeader, dsdtHdr}

	ptrs := []uintptr{fakeSSDT, fakeMADT, fakeFADT}

	sizeofHeader := int(unsafe.Sizeof(table.SDTHeader{}))
	rsdtBuf := make([]byte, sizeofHeader+4*len(ptrs))
	rsdtHdr := (*table.SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	copy(rsdtHdr.Signature[:], "RSDT")
	rsdtHdr.Revision = acpiRev1
	rsdtHdr.Length = uint32(len(rsdtBuf))
	for i, p := range ptrs {
		*(*uint32)(unsafe.Pointer(&rsdtBuf[sizeofHeader+4*i])) = uint32(p)
	}
	fixChecksum(unsafe.Pointer(&rsdtBuf[0]), uintptr(len(rsdtBuf)), &rsdtHdr.Checksum)

	fakeAddrs[fakeRSDT] = uintptr(unsafe.Pointer(&rsdtBuf[0]))
	return fakeRSDT, tableList
}

func assertTablesFound(t *testing.T, drv *acpiDriver, expTables []string) {
	t.Helper()

	if exp, got := len(expTables), len(drv.tableMap); got != exp {
		t.Fatalf("expected %d tables; got %d", exp, got)
	}

	for _, name := range expTables {
		if drv.tableMap[name] == nil {
			t.Fatalf("expected table %q to be discovered", name)
		}
	}
}

func encodeMADTEntry(entryType table.MADTEntryType, entryHdrSize int, payload []byte) []byte {
	buf := make([]byte, entryHdrSize+len(payload))
	buf[0] = byte(entryType)
	buf[1] = byte(len(buf))
	copy(buf[entryHdrSize:], payload)
	return buf
}

func asBytes(ptr unsafe.Pointer, size uintptr) []byte {
	return (*[1 << 16]byte)(ptr)[:size:size]
}

func fixChecksum(ptr unsafe.Pointer, length uintptr, checksumField *uint8) {
	*checksumField = 0
	var sum uint8
	base := uintptr(ptr)
	for i := uintptr(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + i))
	}
	*checksumField = -sum
}
