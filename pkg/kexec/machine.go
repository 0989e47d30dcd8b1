// Copyright 2025 The Bootplan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kexec

import (
	"errors"
	"fmt"
	"time"

	"bootplan.dev/bootplan/pkg/atomicbitops"
	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// ControlPageSize is the size of the control page the relocation routine
// is copied into.
const ControlPageSize = physaddr.PageSize

// crashStopBudget bounds the wait for other processors to acknowledge a
// crash stop. It is a fixed budget: a hung processor must not be able to
// block crash-dump capture indefinitely.
const crashStopBudget = 1000 // polls, at 1ms granularity

// State tracks the coordinator through a hand-off. Transitions only move
// forward; StateJumped is terminal.
type State int32

const (
	// StateNormal is the initial state.
	StateNormal State = iota

	// StateCrashEntered means a crash transition has begun.
	StateCrashEntered

	// StateCPUsQuiescing means the stop request is out to other
	// processors.
	StateCPUsQuiescing

	// StateInterruptsMasked means the interrupt controller has been
	// driven to a neutral state.
	StateInterruptsMasked

	// StateRelocated means the relocation routine and its parameter
	// block are in the control page.
	StateRelocated

	// StateJumped means control is being handed to the new image. No
	// code observes this state for long.
	StateJumped
)

// Topology is the processor topology contract the coordinator depends on.
type Topology interface {
	// NumPossible returns the number of processors the platform can run.
	NumPossible() int

	// NumOnline returns the number of processors currently online.
	NumOnline() int

	// CurrentCPU returns the identifier of the executing processor.
	CurrentCPU() int

	// CanSecondaryBoot reports whether secondary processors can be
	// brought online.
	CanSecondaryBoot() bool

	// CanHotplug reports whether online processors can be taken back
	// offline.
	CanHotplug() bool

	// SetOffline marks a processor offline. Called by that processor
	// itself as it parks.
	SetOffline(cpu int)
}

// Broadcaster delivers an inter-processor request to every other online
// processor. Delivery is asynchronous; completion is observed through the
// coordinator's own counter, never awaited here.
type Broadcaster interface {
	CallOthers(fn func(cpu int))
}

// MMU is the slice of the page-table and cache-maintenance layer the
// coordinator needs.
type MMU interface {
	// ControlAlias returns a writable virtual alias of the physical
	// control page.
	ControlAlias(addr physaddr.Addr) []byte

	// Idmap returns the identity-mapped address of a physical address.
	Idmap(addr physaddr.Addr) physaddr.Addr

	// FlushCaches writes back and invalidates all cache levels.
	FlushCaches()
}

// RegsSource captures the register state of the executing processor.
type RegsSource interface {
	// Snapshot returns the register snapshot for cpu, taken on that cpu.
	Snapshot(cpu int) CPURegs
}

// ReinitHook is an optional platform re-initialization step run
// immediately before the jump.
type ReinitHook interface {
	Reinit()
}

// Restarter performs the final jump. SoftRestart does not return; if it
// does, the platform glue is broken and the coordinator panics.
type Restarter interface {
	SoftRestart(entry physaddr.Addr)
}

// ErrNotSupported is returned by IRQLine operations a controller does not
// implement. Neutralization skips such operations.
var ErrNotSupported = errors.New("not supported by interrupt controller")

// IRQLine is the per-line contract of the interrupt controller
// abstraction. Every operation is independently optional; unsupported
// operations return ErrNotSupported.
type IRQLine interface {
	// Active reports whether the line is active at the controller.
	Active() (bool, error)

	// EOI signals end of service for the line.
	EOI() error

	// Mask masks the line.
	Mask() error

	// Disable disables the line.
	Disable() error

	// InProgress reports whether the line is mid-service.
	InProgress() bool

	// IsDisabled reports whether the line is already disabled.
	IsDisabled() bool
}

// IRQController enumerates the registered interrupt lines.
type IRQController interface {
	Lines() []IRQLine
}

// CPURegs is one processor's register snapshot for post-mortem analysis.
type CPURegs struct {
	Regs   [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64
}

// CrashTable holds one snapshot slot per possible processor. Each
// processor writes only its own slot, so the writes need no
// synchronization; only the completion counter does.
type CrashTable struct {
	slots []CPURegs
	saved []atomicbitops.Bool
}

// NewCrashTable returns a table with n slots.
func NewCrashTable(n int) *CrashTable {
	return &CrashTable{
		slots: make([]CPURegs, n),
		saved: make([]atomicbitops.Bool, n),
	}
}

// Save records cpu's snapshot. Called on that cpu.
func (t *CrashTable) Save(cpu int, regs CPURegs) {
	t.slots[cpu] = regs
	t.saved[cpu].Store(true)
}

// Snapshot returns cpu's snapshot and whether one was recorded. A missing
// snapshot means the processor never reacted to the stop request; the
// dump simply lacks its most current state.
func (t *CrashTable) Snapshot(cpu int) (CPURegs, bool) {
	if !t.saved[cpu].Load() {
		return CPURegs{}, false
	}
	return t.slots[cpu], true
}

// Config wires a Machine. Topology, IPI, MMU, Regs, Restart and Relocator
// are required; the rest are optional.
type Config struct {
	Topology Topology
	IPI      Broadcaster
	MMU      MMU
	Regs     RegsSource

	// IRQs is neutralized on the crash path. Nil skips neutralization.
	IRQs IRQController

	// Reinit, if non-nil, runs immediately before the jump.
	Reinit ReinitHook

	Restart Restarter

	// MachineType is the board identifier handed to the new image.
	MachineType uint32

	// Relocator is the position-independent relocation routine copied
	// into the control page. It must leave room for the parameter block.
	Relocator []byte

	// Sleep is the crash-poll delay. Nil means time.Sleep. Tests inject
	// a fake.
	Sleep func(d time.Duration)

	// Park parks the executing processor forever after a crash stop.
	// Nil means an unbounded low-power wait. Tests inject a no-op.
	Park func(cpu int)
}

// Machine coordinates the hand-off to a staged image. At most one
// transition happens per boot; the Machine is not reusable afterwards,
// by construction.
type Machine struct {
	topo    Topology
	ipi     Broadcaster
	mmu     MMU
	regs    RegsSource
	irqs    IRQController
	reinit  ReinitHook
	restart Restarter
	machine uint32
	reloc   []byte
	sleep   func(time.Duration)
	park    func(cpu int)

	table *CrashTable
	state atomicbitops.Int32

	// pendingStop counts processors that have not yet acknowledged a
	// crash stop. It is the only cross-processor shared mutable state in
	// this package.
	pendingStop atomicbitops.Int32

	// cpusStopped latches the crash stop so re-entry (a panic inside the
	// panic path) cannot broadcast twice.
	cpusStopped atomicbitops.Bool
}

// New validates cfg and returns a Machine.
func New(cfg Config) (*Machine, error) {
	switch {
	case cfg.Topology == nil:
		return nil, fmt.Errorf("kexec: no topology")
	case cfg.IPI == nil:
		return nil, fmt.Errorf("kexec: no IPI broadcaster")
	case cfg.MMU == nil:
		return nil, fmt.Errorf("kexec: no MMU layer")
	case cfg.Regs == nil:
		return nil, fmt.Errorf("kexec: no register source")
	case cfg.Restart == nil:
		return nil, fmt.Errorf("kexec: no restarter")
	case len(cfg.Relocator) == 0:
		return nil, fmt.Errorf("kexec: empty relocation routine")
	case len(cfg.Relocator) > ControlPageSize-BootParamsSize:
		return nil, fmt.Errorf("kexec: relocation routine (%d bytes) does not fit the control page", len(cfg.Relocator))
	}
	m := &Machine{
		topo:    cfg.Topology,
		ipi:     cfg.IPI,
		mmu:     cfg.MMU,
		regs:    cfg.Regs,
		irqs:    cfg.IRQs,
		reinit:  cfg.Reinit,
		restart: cfg.Restart,
		machine: cfg.MachineType,
		reloc:   cfg.Relocator,
		sleep:   cfg.Sleep,
		park:    cfg.Park,
		table:   NewCrashTable(cfg.Topology.NumPossible()),
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	if m.park == nil {
		m.park = func(int) { select {} }
	}
	return m, nil
}

// State returns the coordinator state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// CrashTable exposes the per-processor snapshot table for dump assembly.
func (m *Machine) CrashTable() *CrashTable {
	return m.table
}

// Exec hands control to the staged image. The caller must already have
// taken every other processor offline; a processor still online here can
// only mean a defect in the hot-unplug path, and continuing would race two
// kernels, so it is a fatal assertion rather than a recoverable error.
//
// Exec does not return.
func (m *Machine) Exec(img *Image) {
	if n := m.topo.NumOnline(); n > 1 {
		panic(fmt.Sprintf("kexec: jump attempted with %d processors online", n))
	}
	m.jump(img)
}

// jump is the common tail of both paths. The crash path reaches it without
// the online-count assertion: a processor that never acknowledged the stop
// request is tolerated there, captured stale rather than blocking the dump.
//
// jump does not return.
func (m *Machine) jump(img *Image) {
	// Copy the relocation routine into the control page and write its
	// parameter block at the fixed tail offset.
	control := m.mmu.ControlAlias(img.ControlPage)
	copy(control, m.reloc)
	params := BootParams{
		Entry:           uint64(img.Entry),
		IndirectionPage: uint64(img.Head.PageRoundDown()),
		MachineType:     uint64(m.machine),
		BootArgs:        uint64(img.BootArgs),
	}
	params.MarshalInto(control[bootParamsOffset:])
	m.setState(StateRelocated)

	m.mmu.FlushCaches()

	entry := m.mmu.Idmap(img.ControlPage)
	log.Infof("Bye!")

	if m.reinit != nil {
		m.reinit.Reinit()
	}

	m.setState(StateJumped)
	m.restart.SoftRestart(entry)
	panic("kexec: soft restart returned")
}

// EnterCrash captures the machine for a crash dump and hands control to
// the staged image. Interrupts are already disabled locally on entry.
// regs is the crashing processor's own snapshot.
//
// EnterCrash does not return.
func (m *Machine) EnterCrash(img *Image, regs CPURegs) {
	m.setState(StateCrashEntered)

	m.crashStopOthers()
	m.table.Save(m.topo.CurrentCPU(), regs)
	m.maskInterrupts()
	m.setState(StateInterruptsMasked)

	log.Infof("Loading crashdump kernel...")
	m.jump(img)
}

// crashStopOthers broadcasts a stop request and polls for quiescence at
// millisecond granularity within a fixed budget. Expiry is tolerated: a
// hung processor cannot be allowed to hold up the dump, it is simply
// captured stale.
func (m *Machine) crashStopOthers() {
	if m.cpusStopped.Swap(true) {
		return
	}
	m.setState(StateCPUsQuiescing)

	others := int32(m.topo.NumOnline() - 1)
	m.pendingStop.Store(others)
	if others <= 0 {
		return
	}
	m.ipi.CallOthers(m.stopCPU)

	for budget := crashStopBudget; m.pendingStop.Load() > 0 && budget > 0; budget-- {
		m.sleep(time.Millisecond)
	}
	if m.pendingStop.Load() > 0 {
		log.Warningf("Non-crashing CPUs did not react to IPI")
	}
}

// stopCPU runs on each remote processor in response to the stop request.
// It never returns: after acknowledging, the processor spins in a
// low-power wait until the new image takes the machine over.
func (m *Machine) stopCPU(cpu int) {
	m.table.Save(cpu, m.regs.Snapshot(cpu))
	m.mmu.FlushCaches()
	m.topo.SetOffline(cpu)
	m.pendingStop.Add(-1)
	m.park(cpu)
}

// maskInterrupts drives the interrupt controller to a state the next
// kernel can safely reinitialize. Every step is best-effort: lines whose
// controller does not implement an operation are skipped, not serviced.
func (m *Machine) maskInterrupts() {
	if m.irqs == nil {
		return
	}
	for i, line := range m.irqs.Lines() {
		// First try to clear the active state. If the controller
		// cannot report it, fall through to the in-progress check.
		if active, err := line.Active(); err == nil {
			if active {
				if err := line.EOI(); err != nil && !errors.Is(err, ErrNotSupported) {
					log.Debugf("irq %d: eoi failed: %v", i, err)
				}
			}
		} else if !errors.Is(err, ErrNotSupported) {
			log.Debugf("irq %d: get active state failed: %v", i, err)
		}

		if line.InProgress() {
			if err := line.EOI(); err != nil && !errors.Is(err, ErrNotSupported) {
				log.Debugf("irq %d: eoi failed: %v", i, err)
			}
		}
		if err := line.Mask(); err != nil && !errors.Is(err, ErrNotSupported) {
			log.Debugf("irq %d: mask failed: %v", i, err)
		}
		if !line.IsDisabled() {
			if err := line.Disable(); err != nil && !errors.Is(err, ErrNotSupported) {
				log.Debugf("irq %d: disable failed: %v", i, err)
			}
		}
	}
}
