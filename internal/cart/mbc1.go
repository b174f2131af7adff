package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC1 implements ROM/RAM banking up to 2 MiB ROM and 32 KiB RAM, including
// the advanced banking mode that remaps the 0x0000-0x3FFF window on large
// (>=1 MiB) carts.
type MBC1 struct {
	rom []byte
	ram []byte

	romBanks int // total 16 KiB ROM banks on this cartridge

	romBankLow5       byte // lower 5 bits of ROM bank number (0 promoted to 1)
	ramBankOrRomHigh2 byte // RAM bank (mode 1) or ROM bank bits 5-6 (mode 0)
	ramEnabled        bool
	modeSelect        byte // 0: simple (ROM) banking, 1: advanced (RAM) banking

	onDisable func(ram []byte)
}

func NewMBC1(rom []byte, romBanks, ramSize int) *MBC1 {
	m := &MBC1{rom: rom, romBanks: romBanks}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBankLow5 = 1
	return m
}

func (m *MBC1) SetPersistHook(f func(ram []byte)) { m.onDisable = f }

// advancedBankingActive reports whether the advanced-mode bank-0 remap at
// 0x0000-0x3FFF applies. Per spec §4.2 this only kicks in on carts with at
// least 1 MiB (64 16-KiB banks) of ROM; smaller carts stay on bank 0 at that
// window even in mode 1.
func (m *MBC1) advancedBankingActive() bool {
	return m.modeSelect == 1 && m.romBanks >= 64
}

func (m *MBC1) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		bank := 0
		if m.advancedBankingActive() {
			bank = int(m.ramBankOrRomHigh2&0x03) << 5
		}
		off := bank*0x4000 + int(addr)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.effectiveROMBank())
		off := bank*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		off := m.ramBank()*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		wasEnabled := m.ramEnabled
		m.ramEnabled = (value & 0x0F) == 0x0A
		if wasEnabled && !m.ramEnabled && m.onDisable != nil {
			m.onDisable(m.SaveRAM())
		}
	case addr < 0x4000:
		m.romBankLow5 = value & 0x1F
		if m.romBankLow5 == 0 {
			m.romBankLow5 = 1
		}
	case addr < 0x6000:
		m.ramBankOrRomHigh2 = value & 0x03
	case addr < 0x8000:
		m.modeSelect = value & 0x01
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		off := m.ramBank()*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC1) ramBank() int {
	if m.modeSelect == 1 {
		return int(m.ramBankOrRomHigh2 & 0x03)
	}
	return 0
}

func (m *MBC1) effectiveROMBank() byte {
	high := m.ramBankOrRomHigh2 & 0x03
	return m.romBankLow5 | (high << 5)
}

func (m *MBC1) GetSelectedROMBank() int { return int(m.effectiveROMBank()) }
func (m *MBC1) GetSelectedRAMBank() int { return m.ramBank() }
func (m *MBC1) IsRAMEnabled() bool      { return m.ramEnabled }

func (m *MBC1) Reset() {
	m.romBankLow5 = 1
	m.ramBankOrRomHigh2 = 0
	m.ramEnabled = false
	m.modeSelect = 0
}

func (m *MBC1) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC1) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc1State struct {
	RAM                                     []byte
	RomLow5, RamOrHigh2, ModeSelect         byte
	RamEnabled                              bool
}

func (m *MBC1) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc1State{
		RAM: m.ram, RomLow5: m.romBankLow5, RamOrHigh2: m.ramBankOrRomHigh2,
		ModeSelect: m.modeSelect, RamEnabled: m.ramEnabled,
	})
	return buf.Bytes()
}

func (m *MBC1) LoadState(data []byte) {
	var s mbc1State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.romBankLow5, m.ramBankOrRomHigh2, m.modeSelect, m.ramEnabled = s.RomLow5, s.RamOrHigh2, s.ModeSelect, s.RamEnabled
}
