package cart

// ROMOnly implements a cartridge without MBC or external RAM.
type ROMOnly struct {
	rom []byte
}

func NewROMOnly(rom []byte) *ROMOnly {
	return &ROMOnly{rom: rom}
}

func (c *ROMOnly) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if int(addr) < len(c.rom) {
			return c.rom[addr]
		}
		return 0xFF
	default: // 0xA000-0xBFFF: no external RAM
		return 0xFF
	}
}

func (c *ROMOnly) Write(addr uint16, value byte) {
	// ROM-only: both control writes and external-RAM writes are ignored.
}

func (c *ROMOnly) GetSelectedROMBank() int { return 0 }
func (c *ROMOnly) GetSelectedRAMBank() int { return 0 }
func (c *ROMOnly) IsRAMEnabled() bool      { return false }
func (c *ROMOnly) Reset()                  {}

func (c *ROMOnly) SaveState() []byte     { return nil }
func (c *ROMOnly) LoadState(data []byte) {}
