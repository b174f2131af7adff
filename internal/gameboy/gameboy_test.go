package gameboy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// makeROM builds a minimal, valid cartridge image: cartType selects the MBC,
// romBanks/ramSizeCode pick the header's declared sizes.
func makeROM(t *testing.T, cartType byte, romBanks int, ramSizeCode byte) []byte {
	t.Helper()
	size := romBanks * 0x4000
	rom := make([]byte, size)
	copy(rom[0x0134:0x0144], "TESTROM")
	rom[0x0147] = cartType
	switch romBanks {
	case 2:
		rom[0x0148] = 0x00
	case 4:
		rom[0x0148] = 0x01
	case 8:
		rom[0x0148] = 0x02
	case 16:
		rom[0x0148] = 0x03
	default:
		rom[0x0148] = 0x00
	}
	rom[0x0149] = ramSizeCode
	return rom
}

func TestLoadROMResetsToPostBootState(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.LoadROM(makeROM(t, 0x00, 2, 0x00)))

	regs := g.Registers()
	require.Equal(t, uint16(0x0100), regs.PC)
	require.Equal(t, uint16(0xFFFE), regs.SP)
}

func TestLoadBootROMStartsAtZero(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.LoadROM(makeROM(t, 0x00, 2, 0x00)))

	require.NoError(t, g.LoadBootROM(make([]byte, 0x100)))
	require.Equal(t, uint16(0x0000), g.Registers().PC)
}

func TestSkipBootROMReturnsToPostBootState(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.LoadROM(makeROM(t, 0x00, 2, 0x00)))
	require.NoError(t, g.LoadBootROM(make([]byte, 0x100)))

	g.SkipBootROM()
	require.Equal(t, uint16(0x0100), g.Registers().PC)
}

func TestExecuteBreakpointStopsBeforeInstruction(t *testing.T) {
	rom := makeROM(t, 0x00, 2, 0x00)
	// NOP at 0x0100, NOP at 0x0101, JP 0x0100 at 0x0102.
	rom[0x0100] = 0x00
	rom[0x0101] = 0x00
	rom[0x0102] = 0xC3
	rom[0x0103] = 0x00
	rom[0x0104] = 0x01

	g := New(Config{})
	require.NoError(t, g.LoadROM(rom))
	g.SetBreakpoints([]Breakpoint{{Address: 0x0101, OnExecute: true}})

	g.Step() // executes the NOP at 0x0100
	require.Equal(t, Paused, g.Mode())

	g.Step() // should hit the breakpoint at 0x0101 instead of executing it
	require.Equal(t, BreakpointHit, g.Mode())
	require.Equal(t, uint16(0x0101), g.Registers().PC, "breakpoint address must not have executed")
}

func TestJoypadInputSetsJoypadRegisterBits(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.LoadROM(makeROM(t, 0x00, 2, 0x00)))

	g.JoypadInput(ButtonA, true)
	g.DbgWrite(0xFF00, 0xDF) // select action buttons (bit5=0, bit4=1)
	v := g.ReadMemory(0xFF00)
	require.Zero(t, v&0x01, "JOYP bit0 (A) should read 0 (pressed, active-low), got %#02x", v)
}

func TestSaveRAMRoundTrips(t *testing.T) {
	dir := t.TempDir()
	rom := makeROM(t, 0x03, 2, 0x02) // MBC1+RAM+BATTERY, 8KiB RAM

	g := New(Config{SaveDir: dir})
	require.NoError(t, g.LoadROM(rom))

	// Enable RAM, write a byte, then disable RAM to trigger the persist hook.
	g.DbgWrite(0x0000, 0x0A)
	g.DbgWrite(0xA000, 0x42)
	g.DbgWrite(0x0000, 0x00)

	_, err := os.Stat(filepath.Join(dir, "TESTROM.bin"))
	require.NoError(t, err, "save file should have been written")

	g2 := New(Config{SaveDir: dir})
	require.NoError(t, g2.LoadROM(rom))
	g2.DbgWrite(0x0000, 0x0A)
	require.Equal(t, byte(0x42), g2.ReadMemory(0xA000))
}

func TestFrameHashIsDeterministicAcrossEquivalentRuns(t *testing.T) {
	rom := makeROM(t, 0x00, 2, 0x00)
	g1, g2 := New(Config{}), New(Config{})
	require.NoError(t, g1.LoadROM(rom))
	require.NoError(t, g2.LoadROM(rom))

	for i := 0; i < 3; i++ {
		g1.StepFrameNoRender()
		g2.StepFrameNoRender()
	}
	require.Equal(t, g1.FrameHash(), g2.FrameHash())
}

func TestRequestResetReturnsToPostBootPC(t *testing.T) {
	rom := makeROM(t, 0x00, 2, 0x00)
	g := New(Config{})
	require.NoError(t, g.LoadROM(rom))

	g.Step()
	g.Step()
	g.RequestReset()
	require.Equal(t, uint16(0x0100), g.Registers().PC)
}
