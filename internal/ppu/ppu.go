package ppu

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// LineRegisters snapshots the registers that were live when a scanline's
// mode-3 fetch began, for debugger consumers and for the window line
// counter test contract. The renderer uses these rather than whatever the
// registers happen to hold when Tick finishes the line.
type LineRegisters struct {
	SCX, SCY               byte
	WX, WY                 byte
	LCDC, BGP, OBP0, OBP1  byte
	WinLine                int
}

// Sprite is a pre-translated (screen-space X/Y) OAM entry ready for line
// compositing: X/Y already have the -8/-16 offset applied.
type Sprite struct {
	X, Y     int
	Tile     byte
	Attr     byte
	OAMIndex int
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, and mode timing, and renders
// a line-based 160x144 framebuffer of 2-bit palette indices.
type PPU struct {
	// memory
	vram [0x2000]byte // 0x8000–0x9FFF
	oam  [0xA0]byte   // 0xFE00–0xFE9F

	// regs
	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	winLineCounter int // internal window line counter, resets each frame

	lineRegs [144]LineRegisters

	fb         [144 * 160]byte // composited, palette-applied framebuffer
	frameReady bool            // edge signal, set on LY 153->0, consumed by FrameReady()

	req InterruptRequester
}

func New(req InterruptRequester) *PPU { return &PPU{req: req} }

// Read implements VRAMReader for the scanline/fetcher helpers, bypassing the
// CPU-facing mode-3/mode-2 access gating (the renderer always sees the true
// VRAM contents for the line it is drawing).
func (p *PPU) Read(addr uint16) byte {
	if addr >= 0x8000 && addr <= 0x9FFF {
		return p.vram[addr-0x8000]
	}
	if addr >= 0xFE00 && addr <= 0xFE9F {
		return p.oam[addr-0xFE00]
	}
	return 0xFF
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		// VRAM is inaccessible to CPU during mode 3 (return 0xFF)
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		// OAM is inaccessible during modes 2 and 3
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		// On DMG, bit7 reads as 1; bit6..3 are enables; bit2 coincidence; bit1..0 mode
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			// Turning LCD off resets LY/mode
			p.ly = 0
			p.dot = 0
			p.winLineCounter = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			// Turning LCD on: start at LY=0, mode 2 (OAM)
			p.ly = 0
			p.dot = 0
			p.winLineCounter = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		// Mode scheduling
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		if mode == 3 && (p.stat&0x03) != 3 && p.ly < 144 {
			p.renderScanline()
		}
		p.setMode(mode)

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				// Enter VBlank
				if p.req != nil {
					p.req(0)
				} // VBlank IF
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				} // STAT VBlank
			} else if p.ly > 153 {
				p.ly = 0
				p.winLineCounter = 0
				p.frameReady = true
			}
			p.updateLYC()
			// Set mode for new line start (dot=0)
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

// FrameReady reports (and clears) whether a full frame (LY 153->0 wrap) has
// completed since the last call. The aggregate polls this to pace frames.
func (p *PPU) FrameReady() bool {
	if p.frameReady {
		p.frameReady = false
		return true
	}
	return false
}

// Reset clears VRAM, OAM, all registers, and render state back to
// power-on/reset values, keeping the interrupt requester callback intact.
func (p *PPU) Reset() {
	req := p.req
	*p = PPU{req: req}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// shade applies a packed 2-bit-per-index palette byte to a raw color index.
func shade(palette, ci byte) byte { return (palette >> (ci * 2)) & 0x03 }

// renderScanline composes background, window, and sprites for the current
// LY into the framebuffer. Called once, at the mode-2->mode-3 transition for
// each visible line (the moment the real PPU begins pixel output for it).
func (p *PPU) renderScanline() {
	ly := p.ly
	if ly >= 144 {
		return
	}

	lr := LineRegisters{SCX: p.scx, SCY: p.scy, WX: p.wx, WY: p.wy, LCDC: p.lcdc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1}

	bgWinEnabled := (p.lcdc & 0x01) != 0
	tileData8000 := (p.lcdc & 0x10) != 0

	var bgci [160]byte
	if bgWinEnabled {
		mapBase := uint16(0x9800)
		if p.lcdc&0x08 != 0 {
			mapBase = 0x9C00
		}
		bgci = RenderBGScanlineUsingFetcher(p, mapBase, tileData8000, p.scx, p.scy, ly)
	}

	windowEnabled := bgWinEnabled && (p.lcdc&0x20) != 0
	visible := windowEnabled && ly >= p.wy && p.wx <= 166 && p.wy <= 143
	if visible {
		lr.WinLine = p.winLineCounter
		winMapBase := uint16(0x9800)
		if p.lcdc&0x40 != 0 {
			winMapBase = 0x9C00
		}
		wxStart := int(p.wx) - 7
		winci := RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, byte(p.winLineCounter))
		start := wxStart
		if start < 0 {
			start = 0
		}
		for x := start; x < 160; x++ {
			bgci[x] = winci[x]
		}
		p.winLineCounter++
	} else {
		lr.WinLine = p.winLineCounter
	}

	var outline [160]byte
	for x := 0; x < 160; x++ {
		outline[x] = shade(p.bgp, bgci[x])
	}

	if (p.lcdc & 0x02) != 0 { // sprites enabled
		tall := (p.lcdc & 0x04) != 0
		sprites := p.scanSprites(ly, tall)
		sprCI, sprOBP1 := composeSpriteLine(p, sprites, ly, bgci, tall)
		for x := 0; x < 160; x++ {
			if sprCI[x] == 0 {
				continue
			}
			pal := p.obp0
			if sprOBP1[x] {
				pal = p.obp1
			}
			outline[x] = shade(pal, sprCI[x])
		}
	}

	p.lineRegs[ly] = lr
	copy(p.fb[int(ly)*160:int(ly)*160+160], outline[:])
}

// scanSprites selects up to 10 sprites intersecting ly, in OAM order, and
// translates them into screen-space coordinates (X-8, Y-16).
func (p *PPU) scanSprites(ly byte, tall bool) []Sprite {
	height := 8
	if tall {
		height = 16
	}
	var out []Sprite
	for i := 0; i < 40 && len(out) < 10; i++ {
		oamY := int(p.oam[i*4+0]) - 16
		if int(ly) < oamY || int(ly) >= oamY+height {
			continue
		}
		oamX := int(p.oam[i*4+1]) - 8
		tile := p.oam[i*4+2]
		attr := p.oam[i*4+3]
		out = append(out, Sprite{X: oamX, Y: oamY, Tile: tile, Attr: attr, OAMIndex: i})
	}
	return out
}

// composeSpriteLine is the shared implementation behind ComposeSpriteLine;
// it additionally reports, per pixel, whether OBP1 (vs OBP0) applies.
func composeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, tall bool) (ci [160]byte, useOBP1 [160]bool) {
	var drawn [160]bool
	ordered := make([]Sprite, len(sprites))
	copy(ordered, sprites)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].X != ordered[j].X {
			return ordered[i].X < ordered[j].X
		}
		return ordered[i].OAMIndex < ordered[j].OAMIndex
	})
	height := 8
	if tall {
		height = 16
	}
	for _, s := range ordered {
		row := int(ly) - s.Y
		if row < 0 || row >= height {
			continue
		}
		tile := s.Tile
		if tall {
			tile &^= 1
		}
		if s.Attr&0x40 != 0 { // y-flip
			row = height - 1 - row
		}
		tileNum := uint16(tile)
		if row >= 8 {
			tileNum++
			row -= 8
		}
		base := uint16(0x8000) + tileNum*16 + uint16(row)*2
		lo := mem.Read(base)
		hi := mem.Read(base + 1)
		xflip := s.Attr&0x20 != 0
		for px := 0; px < 8; px++ {
			sx := s.X + px
			if sx < 0 || sx >= 160 || drawn[sx] {
				continue
			}
			bit := px
			if !xflip {
				bit = 7 - px
			}
			pxci := ((hi>>byte(bit))&1)<<1 | ((lo >> byte(bit)) & 1)
			if pxci == 0 {
				continue
			}
			if s.Attr&0x80 != 0 && bgci[sx] != 0 { // BG priority over sprite
				drawn[sx] = true
				continue
			}
			ci[sx] = pxci
			useOBP1[sx] = s.Attr&0x10 != 0
			drawn[sx] = true
		}
	}
	return
}

// ComposeSpriteLine composes a single scanline of up to 10 pre-selected
// sprites, honoring ascending-X-then-OAM-index draw priority, transparency
// (color index 0), and the BG-over-sprite priority attribute bit.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, tall bool) [160]byte {
	ci, _ := composeSpriteLine(mem, sprites, ly, bgci, tall)
	return ci
}

// LineRegs returns the register snapshot captured when scanline ly was
// rendered (zero value if that line hasn't been rendered yet this run).
func (p *PPU) LineRegs(ly int) LineRegisters {
	if ly < 0 || ly >= len(p.lineRegs) {
		return LineRegisters{}
	}
	return p.lineRegs[ly]
}

// Framebuffer returns a copy of the composited, palette-applied 160x144 frame.
func (p *PPU) Framebuffer() [144][160]byte {
	var out [144][160]byte
	for y := 0; y < 144; y++ {
		copy(out[y][:], p.fb[y*160:(y+1)*160])
	}
	return out
}

// renderFullMap dumps an entire 32x32-tile map (256x256 px) ignoring
// scroll, for VRAM-viewer collaborators.
func (p *PPU) renderFullMap(mapBase uint16, tileData8000 bool) [256 * 256]byte {
	var out [256 * 256]byte
	for ty := 0; ty < 32; ty++ {
		for tx := 0; tx < 32; tx++ {
			tileNum := p.vram[mapBase-0x8000+uint16(ty*32+tx)]
			var base uint16
			if tileData8000 {
				base = 0x8000 + uint16(tileNum)*16
			} else {
				base = 0x9000 + uint16(int8(tileNum))*16
			}
			for row := 0; row < 8; row++ {
				lo := p.vram[base-0x8000+uint16(row)*2]
				hi := p.vram[base-0x8000+uint16(row)*2+1]
				for col := 0; col < 8; col++ {
					bit := 7 - col
					ci := ((hi>>byte(bit))&1)<<1 | ((lo >> byte(bit)) & 1)
					py := ty*8 + row
					px := tx*8 + col
					out[py*256+px] = ci
				}
			}
		}
	}
	return out
}

// DebugBackgrounds renders the two fixed background tilemaps (0x9800 and
// 0x9C00) in full, independent of scroll, for a VRAM-viewer collaborator.
func (p *PPU) DebugBackgrounds() (map0, map1 [256 * 256]byte) {
	tileData8000 := (p.lcdc & 0x10) != 0
	map0 = p.renderFullMap(0x9800, tileData8000)
	map1 = p.renderFullMap(0x9C00, tileData8000)
	return
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

// --- Save/Load state ---

type ppuState struct {
	VRAM           [0x2000]byte
	OAM            [0xA0]byte
	LCDC, STAT     byte
	SCY, SCX       byte
	LY, LYC        byte
	BGP, OBP0, OBP1 byte
	WY, WX         byte
	Dot            int
	WinLineCounter int
	FB             [144 * 160]byte
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx,
		LY: p.ly, LYC: p.lyc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx, Dot: p.dot, WinLineCounter: p.winLineCounter,
		FB: p.fb,
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s ppuState
	if err := dec.Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx = s.LCDC, s.STAT, s.SCY, s.SCX
	p.ly, p.lyc, p.bgp, p.obp0, p.obp1 = s.LY, s.LYC, s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx, p.dot, p.winLineCounter = s.WY, s.WX, s.Dot, s.WinLineCounter
	p.fb = s.FB
}
