// Package gameboy owns the Bus+CPU pair and drives the instruction/PPU/timer
// scheduler described in the core's external interface: load a cartridge
// (and optional boot ROM), step it one instruction or one frame at a time,
// and expose the read-only collaborator surface a debugger or host shell
// needs (registers, framebuffer, serial log, joypad input, breakpoints).
package gameboy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/logging"
)

// frameDuration is the minimum spacing between paced frames (16 ms, a little
// shorter than the DMG's ~16.74 ms frame), used only when Config.LimitFPS
// paces Run/StepFrame.
const frameDuration = 16 * time.Millisecond

// serialSink is an io.Writer that appends every byte written to it into an
// in-memory log, readable via SerialLog without disturbing the writer.
type serialSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *serialSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *serialSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Gameboy is the owning aggregate: a cartridge-loaded Bus, a CPU driving it,
// and the bookkeeping (breakpoints, save RAM, serial capture) a host shell
// needs around them. All exported methods are safe for concurrent use; a
// single mutex serializes access, matching the coarse mutual-exclusion model
// described for this core (no partial-instruction visibility is promised or
// needed).
type Gameboy struct {
	mu sync.Mutex

	cfg Config
	log logging.Logger

	bus *bus.Bus
	cpu *cpu.CPU

	mode         Mode
	breakpoints  []Breakpoint
	pendingBreak bool

	buttons Buttons

	serial     *serialSink
	cartTitle  string
	bootLoaded bool

	lastFrame time.Time
}

// New constructs an unloaded Gameboy. Call LoadROM (and optionally
// LoadBootROM) before stepping it.
func New(cfg Config) *Gameboy {
	if cfg.SaveDir == "" {
		cfg.SaveDir = "ram"
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logging.New(cfg.Trace)
	}
	return &Gameboy{cfg: cfg, log: lg, serial: &serialSink{}, mode: Paused}
}

// LoadROMFromFile reads path and calls LoadROM.
func (g *Gameboy) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ROM: %w", err)
	}
	return g.LoadROM(data)
}

// LoadROM parses rom's cartridge header, constructs the matching MBC, and
// resets the CPU to the standard post-boot-ROM register state (PC=0x0100)
// as if no boot ROM will run. Call LoadBootROM afterwards to run the real
// boot sequence from 0x0000 instead.
func (g *Gameboy) LoadROM(rom []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, err := bus.NewFromROM(rom)
	if err != nil {
		return fmt.Errorf("load cartridge: %w", err)
	}

	title := ""
	if h, herr := cart.ParseHeader(rom); herr == nil {
		title = strings.TrimSpace(h.Title)
	}

	g.bus = b
	g.cartTitle = title
	g.serial = &serialSink{}
	g.bus.SetSerialWriter(g.serial)
	g.bus.SetRAMPersistHook(g.persistRAM)
	g.bus.SetAccessWatcher(g.onAccess)
	g.loadSaveRAM()

	g.cpu = cpu.New(g.bus)
	g.cpu.ResetNoBoot()
	g.applyPostBootIODefaults()
	g.cpu.SetPC(0x0100)
	g.bootLoaded = false
	g.mode = Paused
	return nil
}

// LoadBootROMFromFile reads path and calls LoadBootROM.
func (g *Gameboy) LoadBootROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read boot ROM: %w", err)
	}
	return g.LoadBootROM(data)
}

// LoadBootROM installs boot as the 0x0000-0x00FF overlay and rewinds the CPU
// to the real power-on state (PC=0x0000, IME off, SP=0xFFFE) so the boot
// sequence runs from the start. Must be called after LoadROM.
func (g *Gameboy) LoadBootROM(boot []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return fmt.Errorf("load boot ROM: no cartridge loaded")
	}
	if len(boot) < 0x100 {
		return fmt.Errorf("load boot ROM: need at least 256 bytes, got %d", len(boot))
	}
	g.bus.SetBootROM(boot)
	g.cpu.SP = 0xFFFE
	g.cpu.SetPC(0x0000)
	g.cpu.IME = false
	g.bootLoaded = true
	return nil
}

// SkipBootROM jumps straight to the post-bootrom CPU/memory state even if a
// boot ROM was loaded, disabling its overlay as the real boot sequence would
// on exit.
func (g *Gameboy) SkipBootROM() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil || g.cpu == nil {
		return
	}
	g.cpu.ResetNoBoot()
	g.cpu.SetPC(0x0100)
	g.applyPostBootIODefaults()
	g.bus.Write(0xFF50, 0x01)
	g.bootLoaded = false
}

// RequestReset clears VRAM/WRAM/OAM/HRAM/IE and resets the CPU, honoring
// whatever boot ROM is currently installed: if one is loaded, execution
// restarts at 0x0000 through it; otherwise the CPU goes straight to the
// post-boot register state at 0x0100.
func (g *Gameboy) RequestReset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return
	}
	g.bus.ResetMemory()
	g.cpu = cpu.New(g.bus)
	if g.bootLoaded {
		g.cpu.SetPC(0x0000)
	} else {
		g.cpu.ResetNoBoot()
		g.applyPostBootIODefaults()
		g.cpu.SetPC(0x0100)
	}
	g.mode = Paused
}

// applyPostBootIODefaults writes the IO register values the DMG boot ROM
// would have left behind, for the no-boot-ROM startup and reset paths.
// Mirrors the teacher's cpurunner defaults.
func (g *Gameboy) applyPostBootIODefaults() {
	b := g.bus
	b.Write(0xFF00, 0xCF)
	b.Write(0xFF05, 0x00)
	b.Write(0xFF06, 0x00)
	b.Write(0xFF07, 0x00)
	b.Write(0xFF40, 0x91)
	b.Write(0xFF42, 0x00)
	b.Write(0xFF43, 0x00)
	b.Write(0xFF45, 0x00)
	b.Write(0xFF47, 0xFC)
	b.Write(0xFF48, 0xFF)
	b.Write(0xFF49, 0xFF)
	b.Write(0xFF4A, 0x00)
	b.Write(0xFF4B, 0x00)
	b.Write(0xFFFF, 0x00)
	b.Write(0xFF50, 0x01)
}

// --- save RAM persistence -------------------------------------------------

func (g *Gameboy) savePath() string {
	if g.cartTitle == "" {
		return ""
	}
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, g.cartTitle)
	return filepath.Join(g.cfg.SaveDir, safe+".bin")
}

// persistRAM is wired as the cartridge's Persistable hook: it fires with a
// copy of cartridge RAM whenever software disables RAM access.
func (g *Gameboy) persistRAM(ram []byte) {
	path := g.savePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(g.cfg.SaveDir, 0o755); err != nil {
		g.log.Errorf("create save directory %q: %v", g.cfg.SaveDir, err)
		return
	}
	if err := os.WriteFile(path, ram, 0o644); err != nil {
		g.log.Errorf("persist save RAM for %q: %v", g.cartTitle, err)
		return
	}
	g.log.Debugf("persisted %d bytes of save RAM to %s", len(ram), path)
}

// loadSaveRAM restores previously persisted battery-backed RAM for the
// cartridge just loaded, if a size-matching file exists in SaveDir.
func (g *Gameboy) loadSaveRAM() {
	bb, ok := g.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return
	}
	path := g.savePath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if len(data) != len(bb.SaveRAM()) {
		g.log.Errorf("save RAM at %s is %d bytes, expected %d; ignoring", path, len(data), len(bb.SaveRAM()))
		return
	}
	bb.LoadRAM(data)
	g.log.Infof("loaded save RAM from %s", path)
}

// --- breakpoints -----------------------------------------------------------

// onAccess is installed as the bus's access watcher and flags pendingBreak
// when a registered read/write breakpoint matches. Always runs on the
// goroutine already holding g.mu (inside stepLocked), so no locking here.
func (g *Gameboy) onAccess(addr uint16, isWrite bool) {
	for _, bp := range g.breakpoints {
		if bp.Address != addr {
			continue
		}
		if (isWrite && bp.OnWrite) || (!isWrite && bp.OnRead) {
			g.pendingBreak = true
			return
		}
	}
}

func (g *Gameboy) matchExecuteBreakpoint(pc uint16) bool {
	for _, bp := range g.breakpoints {
		if bp.OnExecute && bp.Address == pc {
			return true
		}
	}
	return false
}

// SetBreakpoints replaces the full breakpoint list.
func (g *Gameboy) SetBreakpoints(bps []Breakpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakpoints = append([]Breakpoint(nil), bps...)
}

// Breakpoints returns a copy of the current breakpoint list.
func (g *Gameboy) Breakpoints() []Breakpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Breakpoint(nil), g.breakpoints...)
}

// --- scheduler ---------------------------------------------------------

// stepLocked executes exactly one CPU instruction (or the current pending
// interrupt dispatch) and ticks every other subsystem to the same cycle
// count, via cpu.Step's own bus.Tick call. Returns 0 without doing anything
// if a breakpoint fires or the CPU has already faulted. Must be called with
// g.mu held.
func (g *Gameboy) stepLocked() int {
	if g.cpu == nil {
		return 0
	}
	if g.cpu.Fault() != nil {
		return 0
	}
	if g.mode != Stepping && g.matchExecuteBreakpoint(g.cpu.PC) {
		g.mode = BreakpointHit
		return 0
	}
	g.pendingBreak = false
	cycles := g.cpu.Step()
	if g.pendingBreak && g.mode != Stepping {
		g.mode = BreakpointHit
	}
	return cycles
}

// Step executes a single CPU instruction and returns the T-cycles it
// consumed (0 if paused on a breakpoint or a fault).
func (g *Gameboy) Step() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stepLocked()
}

func (g *Gameboy) stepFrame(pace bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cpu == nil {
		return
	}
	for {
		if g.cpu.Fault() != nil {
			return
		}
		if g.mode == BreakpointHit {
			return
		}
		cycles := g.stepLocked()
		if cycles == 0 {
			return
		}
		if g.bus.PPU().FrameReady() {
			if pace && g.cfg.LimitFPS {
				g.paceFrame()
			}
			return
		}
	}
}

// StepFrame runs instructions until the PPU completes a frame (or a
// breakpoint/fault interrupts it first), pacing to ~frameDuration when
// Config.LimitFPS is set.
func (g *Gameboy) StepFrame() { g.stepFrame(true) }

// StepFrameNoRender is StepFrame without frame pacing, for headless batch
// runs (tests, the gbcore CLI) that want to run as fast as possible.
func (g *Gameboy) StepFrameNoRender() { g.stepFrame(false) }

func (g *Gameboy) paceFrame() {
	if !g.lastFrame.IsZero() {
		if elapsed := time.Since(g.lastFrame); elapsed < frameDuration {
			time.Sleep(frameDuration - elapsed)
		}
	}
	g.lastFrame = time.Now()
}

// Run calls StepFrame in a loop until ctx is cancelled, a breakpoint stops
// execution, or the CPU faults on an unimplemented opcode (returned as an
// error). Returns nil on cancellation. Host code transitions the mode to
// Running before calling Run and polls Mode()/Fault() to notice why it
// returned.
func (g *Gameboy) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if g.Mode() != Running {
			return nil
		}
		g.StepFrame()
		if f := g.Fault(); f != nil {
			return f
		}
		if g.Mode() == BreakpointHit {
			return nil
		}
	}
}

// --- collaborator surface -----------------------------------------------

// Mode returns the current run mode.
func (g *Gameboy) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetMode sets the run mode. Setting Running lets Run proceed; setting
// anything else stops it on its next frame boundary check.
func (g *Gameboy) SetMode(m Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
}

// Fault returns the CPU's terminal unknown-opcode fault, or nil.
func (g *Gameboy) Fault() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cpu == nil {
		return nil
	}
	if f := g.cpu.Fault(); f != nil {
		return f
	}
	return nil
}

// Registers snapshots the CPU's register pairs.
func (g *Gameboy) Registers() Registers {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cpu == nil {
		return Registers{}
	}
	c := g.cpu
	return Registers{
		AF: uint16(c.A)<<8 | uint16(c.F),
		BC: uint16(c.B)<<8 | uint16(c.C),
		DE: uint16(c.D)<<8 | uint16(c.E),
		HL: uint16(c.H)<<8 | uint16(c.L),
		SP: c.SP,
		PC: c.PC,
	}
}

// ReadMemory performs a CPU-equivalent bus read (gated by OAM DMA
// restriction like any other CPU access).
func (g *Gameboy) ReadMemory(addr uint16) byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return 0xFF
	}
	return g.bus.Read(addr)
}

// DbgWrite performs a debugger write that bypasses the OAM DMA access
// restriction, for memory editors. Other write protection still applies:
// VRAM/OAM writes follow the PPU's mode gating, OAM writes are dropped while
// DMA runs, and writes below 0x8000 go to the cartridge controller.
func (g *Gameboy) DbgWrite(addr uint16, value byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return
	}
	g.bus.DbgWrite(addr, value)
}

// Framebuffer returns the current 160x144 framebuffer of 2-bit palette
// indices. During a frame in progress, the lines drawn so far replace the
// previous frame's lines.
func (g *Gameboy) Framebuffer() [144][160]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return [144][160]byte{}
	}
	return g.bus.PPU().Framebuffer()
}

// DebugBackgrounds renders the full 256x256 tile maps 0 and 1 independent of
// LCDC's current map/addressing selection, for a tilemap viewer.
func (g *Gameboy) DebugBackgrounds() (map0, map1 [256 * 256]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return
	}
	return g.bus.PPU().DebugBackgrounds()
}

// FrameHash hashes the current framebuffer with xxhash, for golden-frame
// regression tests and frame-dedup in a host renderer.
func (g *Gameboy) FrameHash() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus == nil {
		return 0
	}
	fb := g.bus.PPU().Framebuffer()
	flat := make([]byte, 0, 144*160)
	for _, row := range fb {
		flat = append(flat, row[:]...)
	}
	return xxhash.Sum64(flat)
}

// SerialLog returns every byte written to SB (0xFF01), in order, since the
// cartridge was loaded, regardless of SC's transfer-start bit. This keeps
// recording even after SetSerialWriter installs an additional external sink.
func (g *Gameboy) SerialLog() []byte { return g.serial.Bytes() }

// SetSerialWriter additionally streams the bus's serial output to w (e.g.
// os.Stdout for a CLI). The internal buffer backing SerialLog keeps
// recording regardless, so host code can tee output to a terminal while
// still driving pass/fail detection off SerialLog.
func (g *Gameboy) SetSerialWriter(w io.Writer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus != nil {
		g.bus.SetSerialWriter(io.MultiWriter(g.serial, w))
	}
}

// JoypadInput updates one button's held state and applies the combined
// mask to the bus immediately.
func (g *Gameboy) JoypadInput(btn Button, pressed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch btn {
	case ButtonRight:
		g.buttons.Right = pressed
	case ButtonLeft:
		g.buttons.Left = pressed
	case ButtonUp:
		g.buttons.Up = pressed
	case ButtonDown:
		g.buttons.Down = pressed
	case ButtonA:
		g.buttons.A = pressed
	case ButtonB:
		g.buttons.B = pressed
	case ButtonSelect:
		g.buttons.Select = pressed
	case ButtonStart:
		g.buttons.Start = pressed
	}
	g.applyJoypad()
}

func (g *Gameboy) applyJoypad() {
	if g.bus == nil {
		return
	}
	var mask byte
	if g.buttons.Right {
		mask |= bus.JoypRight
	}
	if g.buttons.Left {
		mask |= bus.JoypLeft
	}
	if g.buttons.Up {
		mask |= bus.JoypUp
	}
	if g.buttons.Down {
		mask |= bus.JoypDown
	}
	if g.buttons.A {
		mask |= bus.JoypA
	}
	if g.buttons.B {
		mask |= bus.JoypB
	}
	if g.buttons.Select {
		mask |= bus.JoypSelectBtn
	}
	if g.buttons.Start {
		mask |= bus.JoypStart
	}
	g.bus.SetJoypadState(mask)
}

// CartridgeTitle returns the trimmed title field from the loaded
// cartridge's header, or "" if nothing is loaded.
func (g *Gameboy) CartridgeTitle() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cartTitle
}
