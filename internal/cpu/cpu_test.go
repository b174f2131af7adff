package cpu

import (
	"testing"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
)

func newCPUWithROM(code []byte) *CPU {
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b := bus.New(rom)
	c := New(b)
	return c
}

func TestCPU_NopAndPC(t *testing.T) {
	c := newCPUWithROM([]byte{0x00}) // NOP
	if cycles := c.Step(); cycles != 4 {
		t.Fatalf("NOP cycles got %d want 4", cycles)
	}
	if c.PC != 1 {
		t.Fatalf("PC after NOP got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_LD_A_d8_And_XOR_A(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x12, 0xAF}) // LD A,0x12; XOR A
	c.Step()                                     // LD
	if c.A != 0x12 {
		t.Fatalf("A after LD got %02x want 12", c.A)
	}
	c.Step() // XOR A
	if c.A != 0x00 {
		t.Fatalf("A after XOR got %02x want 00", c.A)
	}
	if (c.F & 0x80) == 0 { // Z flag
		t.Fatalf("Z flag not set after XOR A")
	}
}

func TestCPU_LD_a16_A_and_LD_A_a16(t *testing.T) {
	// Program: LD A,0x77; LD (0xC000),A; LD A,0x00; LD A,(0xC000)
	prog := []byte{0x3E, 0x77, 0xEA, 0x00, 0xC0, 0x3E, 0x00, 0xFA, 0x00, 0xC0}
	c := newCPUWithROM(prog)
	c.Step() // LD A,77
	c.Step() // LD (C000),A
	if a := c.bus.Read(0xC000); a != 0x77 {
		t.Fatalf("WRAM at C000 got %02x want 77", a)
	}
	c.Step() // LD A,00
	c.Step() // LD A,(C000)
	if c.A != 0x77 {
		t.Fatalf("A after LD A,(C000) got %02x want 77", c.A)
	}
}

func TestCPU_JP_and_JR(t *testing.T) {
	// JP to 0x0010 then JR -2 to loop
	prog := []byte{0xC3, 0x10, 0x00} // at 0x0000: JP 0x0010
	// Fill until 0x0010 with NOPs
	rom := make([]byte, 0x8000)
	copy(rom, prog)
	for i := 0x0003; i < 0x0010; i++ {
		rom[i] = 0x00
	}
	// at 0x0010: JR -2 (0xFE), which will hop back to 0x0010 itself (infinite)
	rom[0x0010] = 0x18
	rom[0x0011] = 0xFE
	b := bus.New(rom)
	c := New(b)
	cycles := c.Step() // JP
	if cycles != 16 || c.PC != 0x0010 {
		t.Fatalf("JP cycles=%d PC=%#04x want cycles=16 PC=0x0010", cycles, c.PC)
	}
	pcBefore := c.PC
	c.Step()              // JR -2
	if c.PC != pcBefore { // stays at 0x0010
		t.Fatalf("JR -2 PC got %#04x want %#04x", c.PC, pcBefore)
	}
}

func TestCPU_INC_B_Flags(t *testing.T) {
	c := newCPUWithROM([]byte{0x04, 0x04}) // INC B twice
	c.B = 0x0F
	c.F = 0x10 // carry set initially
	c.Step()
	if c.B != 0x10 {
		t.Fatalf("INC B result got %02x want 10", c.B)
	}
	if (c.F & 0x20) == 0 { // H set
		t.Fatalf("INC B should set H flag")
	}
	if (c.F & 0x10) == 0 { // C preserved
		t.Fatalf("INC B should preserve C flag")
	}
	c.B = 0xFF
	c.Step()
	if c.B != 0x00 || (c.F&0x80) == 0 { // Z set
		t.Fatalf("INC B to 0 should set Z flag, B=%02x, F=%02x", c.B, c.F)
	}
}

func TestCPU_LD_16bit_and_LDH(t *testing.T) {
	// Program:
	// LD HL,0xC000; LD (HL),0x5A; LD A,0x00; LD A,(0xFF00+0x00); LD (0xFF00+1),A
	prog := []byte{
		0x21, 0x00, 0xC0, // LD HL, C000
		0x36, 0x5A,       // LD (HL), 5A
		0x3E, 0x00,       // LD A, 00
		0xF0, 0x00,       // LD A, (FF00+0)
		0xE0, 0x01,       // LD (FF00+1), A
	}
	c := newCPUWithROM(prog)
	// Set JOYP selection and write 0xA7 into HRAM (the program does not read HRAM)
	c.Bus().Write(0xFF00, 0x20) // select dpad so read is deterministic
	c.Bus().Write(0xFF00, 0x30) // select none to keep 0x0F
	c.Bus().Write(0xFF80, 0xA7) // HRAM base

	c.Step(); c.Step(); c.Step(); c.Step(); c.Step()
	if v := c.Bus().Read(0xC000); v != 0x5A {
		t.Fatalf("WRAM C000 got %02x want 5A", v)
	}
	if v := c.Bus().Read(0xFF01); v != c.A {
		t.Fatalf("LDH (FF00+1),A expected write to FF01 with A=%02x got %02x", c.A, v)
	}
}

func TestCPU_LD_r_HL(t *testing.T) {
	// LD HL,0xC000; LD (HL),0x42; LD B,(HL); LD C,(HL); LD D,(HL); LD E,(HL);
	// LD A,(HL). H and L are not loaded, since that would clobber HL.
	prog := []byte{
		0x21, 0x00, 0xC0, // LD HL, C000
		0x36, 0x42, // LD (HL), 0x42
		0x46, // LD B,(HL)
		0x4E, // LD C,(HL)
		0x56, // LD D,(HL)
		0x5E, // LD E,(HL)
		0x7E, // LD A,(HL)
	}
	c := newCPUWithROM(prog)
	for i := 0; i < 7; i++ {
		c.Step()
	}
	if c.B != 0x42 || c.C != 0x42 || c.D != 0x42 || c.E != 0x42 || c.A != 0x42 {
		t.Fatalf("LD r,(HL) group: B=%02x C=%02x D=%02x E=%02x A=%02x, want all 0x42", c.B, c.C, c.D, c.E, c.A)
	}
}

func TestCPU_CALL_RET(t *testing.T) {
	// 0000: CALL 0005; NOP; NOP; RET
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xCD
	rom[0x0001] = 0x05
	rom[0x0002] = 0x00
	for i := 0x0003; i < 0x0005; i++ { rom[i] = 0x00 }
	rom[0x0005] = 0xC9 // RET
	b := bus.New(rom)
	c := New(b)
	c.Step() // CALL
	if c.PC != 0x0005 {
		t.Fatalf("PC after CALL got %04x want 0005", c.PC)
	}
	retCycles := c.Step()
	if c.PC != 0x0003 || retCycles != 16 {
		t.Fatalf("RET did not return to 0003; PC=%04x cyc=%d", c.PC, retCycles)
	}
}

func TestCPU_EI_RET_ReturnsBeforeInterruptsFire(t *testing.T) {
	// EI; RET: the RET must execute with IME still false, so a pending
	// interrupt does not get serviced in between.
	prog := []byte{0xFB, 0xC9} // EI; RET
	c := newCPUWithROM(prog)
	c.SP = 0xFFFE
	c.bus.Write(0xFFFF, 0x01) // IE: VBlank enabled
	c.bus.Write(0xFF0F, 0x01) // IF: VBlank pending

	c.Step() // EI
	if c.IME {
		t.Fatalf("IME became true immediately after EI")
	}
	pcBefore := c.PC
	c.Step() // RET executes with IME still false
	if c.PC == 0x0040 {
		t.Fatalf("interrupt was serviced instead of RET executing (PC=%#04x)", c.PC)
	}
	_ = pcBefore
	if !c.IME {
		t.Fatalf("IME should become true once the instruction after EI completes")
	}
}

func TestCPU_EI_DI_OneInstructionBetween_LeavesIMEFalse(t *testing.T) {
	// EI; NOP; DI must leave IME=0: the pending EI resolves after NOP, then
	// DI immediately clears it again.
	prog := []byte{0xFB, 0x00, 0xF3} // EI; NOP; DI
	c := newCPUWithROM(prog)
	c.Step() // EI
	c.Step() // NOP (IME becomes true after this completes)
	c.Step() // DI
	if c.IME {
		t.Fatalf("IME should be false after EI;NOP;DI, got true")
	}
}

func TestCPU_HaltBug_RepeatsByteAfterHalt(t *testing.T) {
	// HALT with IME=0 and a pending interrupt triggers the HALT bug: the
	// byte right after HALT is fetched twice. INC B; INC B as the
	// following bytes means B increments twice from a single HALT+INC.
	prog := []byte{0x76, 0x04, 0x04} // HALT; INC B; INC B
	c := newCPUWithROM(prog)
	c.IME = false
	c.bus.Write(0xFFFF, 0x01)
	c.bus.Write(0xFF0F, 0x01) // interrupt pending, IME false -> HALT bug

	c.Step() // HALT sets haltBug instead of halted
	if c.halted {
		t.Fatalf("CPU halted instead of triggering the HALT bug")
	}
	c.Step() // re-fetches the INC B byte without advancing PC first
	if c.B != 1 {
		t.Fatalf("B after first post-HALT step got %d want 1", c.B)
	}
	c.Step() // now PC has moved past the repeated byte
	if c.B != 2 {
		t.Fatalf("B after second post-HALT step got %d want 2", c.B)
	}
}

func TestCPU_UnknownOpcode_SetsFault(t *testing.T) {
	c := newCPUWithROM([]byte{0xD3}) // 0xD3 is unassigned on the SM83
	c.Step()
	f := c.Fault()
	if f == nil {
		t.Fatalf("expected a fault after decoding an unknown opcode")
	}
	if f.Opcode != 0xD3 || f.Prefixed {
		t.Fatalf("fault recorded wrong opcode: %+v", f)
	}
	pc := c.PC
	c.Step() // further Steps are a no-op once faulted
	if c.PC != pc {
		t.Fatalf("PC advanced after fault: %#04x -> %#04x", pc, c.PC)
	}
}

func TestCPU_InterruptPriority_VBlankOverStat(t *testing.T) {
	// IE=0x1F, IF=0x1F, IME=1: VBlank (bit0) must win and its IF bit clear,
	// leaving IF=0x1E.
	c := newCPUWithROM([]byte{0x00})
	c.IME = true
	c.bus.Write(0xFFFF, 0x1F)
	c.bus.Write(0xFF0F, 0x1F)
	cycles := c.Step()
	if cycles != 20 {
		t.Fatalf("interrupt dispatch cycles got %d want 20", cycles)
	}
	if c.PC != 0x0040 {
		t.Fatalf("PC after dispatch got %#04x want 0x0040", c.PC)
	}
	if got := c.bus.Read(0xFF0F) & 0x1F; got != 0x1E {
		t.Fatalf("IF after dispatch got %#02x want 0x1E", got)
	}
}

func TestCPU_STOP_ConsumesFollowingByteAndSleeps(t *testing.T) {
	prog := []byte{0x10, 0x00, 0x04} // STOP 0; INC B
	c := newCPUWithROM(prog)
	c.Step() // STOP
	if !c.Stopped() {
		t.Fatalf("expected CPU to enter the STOP state")
	}
	if c.PC != 2 {
		t.Fatalf("STOP should consume its mandatory trailing byte: PC=%d want 2", c.PC)
	}
	c.Step() // still stopped, no joypad interrupt pending
	if c.B != 0 {
		t.Fatalf("INC B executed while CPU still stopped")
	}
	c.bus.Write(0xFF0F, 1<<4) // joypad interrupt becomes pending -> wake
	c.Step()
	if c.Stopped() {
		t.Fatalf("CPU did not wake from STOP on pending joypad interrupt")
	}
}

func TestCPU_CB_BIT_HL_TakesTwelveCycles(t *testing.T) {
	// BIT b,(HL) only reads memory (no writeback), so it costs 12 cycles,
	// unlike every other CB (HL) group (rotate/shift/SWAP/RES/SET), which
	// read-modify-write and cost 16.
	prog := []byte{0x21, 0x00, 0xC0, 0xCB, 0x46} // LD HL,0xC000; BIT 0,(HL)
	c := newCPUWithROM(prog)
	c.Step() // LD HL,d16
	if cycles := c.Step(); cycles != 12 {
		t.Fatalf("BIT 0,(HL) cycles got %d want 12", cycles)
	}
}

func TestCPU_CB_RES_HL_TakesSixteenCycles(t *testing.T) {
	prog := []byte{0x21, 0x00, 0xC0, 0xCB, 0x86} // LD HL,0xC000; RES 0,(HL)
	c := newCPUWithROM(prog)
	c.Step() // LD HL,d16
	if cycles := c.Step(); cycles != 16 {
		t.Fatalf("RES 0,(HL) cycles got %d want 16", cycles)
	}
}

func TestCPU_ADD_SP_e8_NegativeWraparound(t *testing.T) {
	// SP=0xFFF8, e8=8 -> SP wraps to 0x0000. H/C are computed from the
	// low byte add (0xF8+0x08), matching the documented boundary case.
	prog := []byte{0x31, 0xF8, 0xFF, 0xE8, 0x08} // LD SP,0xFFF8; ADD SP,8
	c := newCPUWithROM(prog)
	c.Step() // LD SP,d16
	if c.SP != 0xFFF8 {
		t.Fatalf("SP after LD got %#04x want 0xFFF8", c.SP)
	}
	c.Step() // ADD SP,e8
	if c.SP != 0x0000 {
		t.Fatalf("SP after ADD SP,e8 got %#04x want 0x0000", c.SP)
	}
	if c.F&flagZ != 0 {
		t.Fatalf("Z flag must always be cleared by ADD SP,e8")
	}
	if c.F&flagH == 0 {
		t.Fatalf("H flag not set, want set (0xF8 low-byte add carries out of bit 3)")
	}
	if c.F&flagC == 0 {
		t.Fatalf("C flag not set, want set (0xF8 low-byte add carries out of bit 7)")
	}
}

func TestCPU_INC_HL_Indirect_HalfCarryBoundary(t *testing.T) {
	// (HL)=0x0F -> 0x10: half-carry sets, zero/carry do not.
	prog := []byte{0x21, 0x00, 0xC0, 0x34} // LD HL,0xC000; INC (HL)
	c := newCPUWithROM(prog)
	c.bus.Write(0xC000, 0x0F)
	c.Step() // LD HL,d16
	c.Step() // INC (HL)
	if got := c.bus.Read(0xC000); got != 0x10 {
		t.Fatalf("(HL) after INC got %#02x want 0x10", got)
	}
	if c.F&flagZ != 0 {
		t.Fatalf("Z flag set, want clear")
	}
	if c.F&flagN != 0 {
		t.Fatalf("N flag set, want clear")
	}
	if c.F&flagH == 0 {
		t.Fatalf("H flag not set, want set (0x0F -> 0x10 carries out of bit 3)")
	}
}

// TestCPU_DAA_AfterAddition_NonBCDInput documents a resolved discrepancy
// between spec.md's worked DAA example and real Sharp LR35902 behavior.
// The spec states that DAA after "ADD A,A" with A=0x0A should yield
// A=0x20, but 0x0A is not a valid packed-BCD digit pair to begin with,
// and the standard hardware DAA algorithm (the one Blargg's cpu_instrs
// exhaustively checks) produces A=0x1A here, not A=0x20. This test locks
// in the hardware-correct value rather than the spec's example.
func TestCPU_DAA_AfterAddition_NonBCDInput(t *testing.T) {
	prog := []byte{0x3E, 0x0A, 0x87, 0x27} // LD A,0x0A; ADD A,A; DAA
	c := newCPUWithROM(prog)
	c.Step() // LD A,0x0A
	c.Step() // ADD A,A -> A=0x14, H=1, C=0
	if c.A != 0x14 || c.F&flagH == 0 {
		t.Fatalf("ADD A,A precondition got A=%02x F=%02x", c.A, c.F)
	}
	c.Step() // DAA
	if c.A != 0x1A {
		t.Fatalf("DAA got A=%#02x want 0x1A (hardware-correct; see comment)", c.A)
	}
	if c.F&flagZ != 0 {
		t.Fatalf("Z flag set, want clear")
	}
}

