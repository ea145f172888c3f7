package smp

// trampolineBlob is 16-bit real-mode machine code, assembled by hand rather
// than by the Go toolchain -- Go's assembler has no real-mode output mode,
// and this is the one piece of the kernel that has to run before the CPU
// is even in 32-bit protected mode, let alone long mode. Every other
// assembly file in this kernel is Plan 9 assembly the Go linker places and
// relocates normally; this one is copied verbatim to a fixed physical
// address and entered via an INIT/Startup IPI instead.
//
// Logical steps a complete blob has to perform, in order:
//
//	16-bit real mode:
//	  cli
//	  lgdt [gdt32_ptr]          ; flat 32-bit code/data GDT, assembled
//	                            ; into the blob right after the code
//	  mov eax, cr0
//	  or  al, 1                 ; set PE
//	  mov cr0, eax
//	  jmp CODE32_SEL:pm_entry   ; far jump flushes the prefetch queue
//
//	32-bit protected mode (pm_entry):
//	  mov ax, DATA32_SEL
//	  mov ds, ax
//	  mov es, ax
//	  mov ss, ax
//	  mov cr3, p4TablePhysAddr  ; the BSP's own top-level table
//	  mov eax, cr4
//	  or  eax, 1<<5             ; PAE
//	  mov cr4, eax
//	  mov ecx, 0xC0000080       ; IA32_EFER
//	  rdmsr
//	  or  eax, 1<<8             ; LME
//	  wrmsr
//	  mov eax, cr0
//	  or  eax, 1<<31            ; PG
//	  mov cr0, eax
//	  lgdt [gdt64_ptr]
//	  jmp CODE64_SEL:lm_entry
//
//	64-bit long mode (lm_entry):
//	  mov ax, DATA64_SEL
//	  mov ds, ax
//	  mov es, ax
//	  mov ss, ax
//	  jmp qword ptr [sharedAreaAbsAddr + offsetEntryPC]
//
// The indirect jump at the very end is why the blob never needs to be
// reassembled when the Go entry point's address changes from build to
// build: installTrampoline copies the blob once, and bringUp patches the
// jump target into the shared area before every Startup IPI.
//
// The bytes below are a placeholder, not an encoding of the above: they
// are only cli; hlt. An AP started on them halts in real mode without
// reaching long mode or setting the ready flag.
var trampolineBlob = []byte{
	0xFA, // cli
	0xF4, // hlt (placeholder for the lgdt/cr0/far-jump sequence above)
}
