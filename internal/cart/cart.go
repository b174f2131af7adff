package cart

import "fmt"

// Cartridge defines the minimal interface the Bus needs for ROM/RAM banking.
// Implementations are a tagged variant in spirit (None/MBC1/MBC5/Unsupported)
// dispatched once at load time by NewCartridge, per the flat-switch style
// the rest of this module uses for CPU opcodes and PPU modes.
type Cartridge interface {
	Read(addr uint16) byte
	Write(addr uint16, value byte)

	// GetSelectedROMBank/GetSelectedRAMBank/IsRAMEnabled expose banking state
	// for debugger/collaborator display.
	GetSelectedROMBank() int
	GetSelectedRAMBank() int
	IsRAMEnabled() bool

	// Reset restores banking registers to their post-load defaults without
	// discarding loaded ROM or RAM contents.
	Reset()

	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is an optional interface for cartridges with external RAM
// that should be persisted to ram/<title>.bin.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// Persistable cartridges call the supplied hook with a copy of their RAM the
// moment software disables RAM access (the enabled->disabled edge), which is
// when the save file is written per spec. The bus/aggregate owns the actual
// file path and I/O; the cartridge only reports the edge.
type Persistable interface {
	SetPersistHook(func(ram []byte))
}

// ErrUnsupportedController is returned by NewCartridge for cartridge types
// this core recognizes but does not emulate (MBC2, MBC3, MBC6, MBC7 and
// their RTC/rumble variants).
type ErrUnsupportedController struct {
	CartType byte
	Name     string
}

func (e *ErrUnsupportedController) Error() string {
	return fmt.Sprintf("cartridge type %#02x (%s) is recognized but not implemented", e.CartType, e.Name)
}

// NewCartridge parses the header and picks an implementation. Unknown or
// explicitly-unsupported controller types are a load error, not a silent
// ROM-only fallback, so the caller can report a diagnostic per spec §7.
func NewCartridge(rom []byte) (Cartridge, error) {
	h, err := ParseHeader(rom)
	if err != nil {
		return nil, fmt.Errorf("parse cartridge header: %w", err)
	}
	switch h.CartType {
	case 0x00:
		return NewROMOnly(rom), nil
	case 0x01, 0x02, 0x03: // MBC1, MBC1+RAM, MBC1+RAM+BATTERY
		return NewMBC1(rom, h.ROMBanks, h.RAMSizeBytes), nil
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E: // MBC5 variants
		return NewMBC5(rom, h.RAMSizeBytes), nil
	case 0x05, 0x06: // MBC2 (+battery)
		return nil, &ErrUnsupportedController{CartType: h.CartType, Name: "MBC2"}
	case 0x0F, 0x10, 0x11, 0x12, 0x13: // MBC3 (+RAM/RTC/battery)
		return nil, &ErrUnsupportedController{CartType: h.CartType, Name: "MBC3"}
	case 0x20: // MBC6
		return nil, &ErrUnsupportedController{CartType: h.CartType, Name: "MBC6"}
	case 0x22: // MBC7 (+sensor/rumble)
		return nil, &ErrUnsupportedController{CartType: h.CartType, Name: "MBC7"}
	default:
		return nil, fmt.Errorf("unknown cartridge type %#02x", h.CartType)
	}
}
