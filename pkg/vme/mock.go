/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package vme

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

const (
	mockMasters     = 8
	mockSlaves      = 8
	mockDMAs        = 2
	mockLMs         = 1
	mockLMMonitors  = 4
	mockBusAddrBase = 0x10000000
	mockPageSize    = 0x1000
)

// Attributes of the windows of a mock bridge. They follow what a Tundra
// Tsi148 offers.
const (
	MockMasterSpaces = A16 | A24 | A32 | A64 | CRCSR | User1 | User2 | User3 | User4
	MockSlaveSpaces  = A16 | A24 | A32 | A64
	MockCycles       = CycleSCT | CycleBLT | CycleMBLT | Cycle2eVME | Cycle2eSST | Cycle2eSSTB |
		Cycle2eSST160 | Cycle2eSST267 | Cycle2eSST320 | CycleSuper | CycleUser | CycleProg | CycleData
	MockWidths = D8 | D16 | D32 | D64
	MockRoutes = RouteVMEToMem | RouteMemToVME | RouteVMEToVME | RouteMemToMem | RoutePatternToVME | RoutePatternToMem
)

// NewMockBridge returns an unregistered bridge backed by MockBridgeOps and a
// MockParentDevice, with the resources of a Tsi148.
func NewMockBridge(name string, log logr.Logger) (*Bridge, *MockBridgeOps) {
	ops := &MockBridgeOps{Log: log.WithValues("mock", name)}
	b := NewBridge(name, ops, NewMockParentDevice())

	for i := 0; i < mockMasters; i++ {
		b.AddMasterResource(NewMasterResource(i, MockMasterSpaces, MockCycles, MockWidths))
	}
	for i := 0; i < mockSlaves; i++ {
		b.AddSlaveResource(NewSlaveResource(i, MockSlaveSpaces, MockCycles))
	}
	for i := 0; i < mockDMAs; i++ {
		b.AddDMAResource(NewDMAResource(i, MockRoutes))
	}
	for i := 0; i < mockLMs; i++ {
		b.AddLMResource(NewLMResource(i, mockLMMonitors))
	}

	return b, ops
}

/* ------------------------------ Parent device ------------------------------- */

// MockParentDevice hands out consistent memory from the Go heap at made up
// bus addresses.
type MockParentDevice struct {
	mtx     sync.Mutex
	next    uint64
	buffers map[uint64][]byte
}

var _ ParentDevice = &MockParentDevice{}

func NewMockParentDevice() *MockParentDevice {
	return &MockParentDevice{next: mockBusAddrBase, buffers: map[uint64][]byte{}}
}

func (p *MockParentDevice) AllocConsistent(size int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, NewError(KindInvalidArgument).WithCause(fmt.Sprintf("invalid allocation size %d", size))
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	busAddr := p.next
	p.next += (uint64(size) + mockPageSize - 1) &^ (mockPageSize - 1)

	buf := make([]byte, size)
	p.buffers[busAddr] = buf
	return buf, busAddr, nil
}

func (p *MockParentDevice) FreeConsistent(buf []byte, busAddr uint64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	delete(p.buffers, busAddr)
}

// Allocated returns the number of buffers not yet freed.
func (p *MockParentDevice) Allocated() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return len(p.buffers)
}

// Memory returns the allocated memory covering [busAddr, busAddr+count).
func (p *MockParentDevice) Memory(busAddr, count uint64) ([]byte, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for base, buf := range p.buffers {
		if busAddr >= base && busAddr-base+count <= uint64(len(buf)) {
			return buf[busAddr-base : busAddr-base+count], true
		}
	}

	return nil, false
}

/* ------------------------------ Bridge operations --------------------------- */

type mockDMAEntry struct {
	src   DMAAttribute
	dest  DMAAttribute
	count uint64
}

// MockBridgeOps is an in-memory bridge. VME memory is sparse and kept per
// address space; enabled slave windows map VME addresses onto consistent
// memory of the parent so a master can reach them over the loopback.
type MockBridgeOps struct {
	Log logr.Logger

	// Slot is reported by SlotGet
	Slot int

	// Async makes DMAListExec queue the list and return. The list is then
	// processed in the background.
	Async bool

	// ExecStarted, when set, receives once for every list the engine starts
	// processing; ExecGate, when set, holds the engine until it is readable.
	ExecStarted chan struct{}
	ExecGate    chan struct{}

	// FailEmpty is returned by DMAListEmpty when set
	FailEmpty error

	// FailIrqSet is returned by IrqSet when set
	FailIrqSet error

	mtx        sync.Mutex
	masters    map[*MasterResource]MasterConfig
	slaves     map[*SlaveResource]SlaveConfig
	lms        map[*LMResource]LMConfig
	memory     map[AddressSpace]map[uint64]byte
	irqEnable  [irqLevels]int
	irqDisable [irqLevels]int
	execErrors []error

	engine sync.WaitGroup
}

// Check that the mock implements the BridgeOps interface
var _ BridgeOps = &MockBridgeOps{}

func (m *MockBridgeOps) init() {
	if m.masters == nil {
		m.masters = map[*MasterResource]MasterConfig{}
		m.slaves = map[*SlaveResource]SlaveConfig{}
		m.lms = map[*LMResource]LMConfig{}
		m.memory = map[AddressSpace]map[uint64]byte{}
	}
}

func (m *MockBridgeOps) SlaveSet(s *SlaveResource, cfg SlaveConfig) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	m.slaves[s] = cfg
	m.Log.V(1).Info("Slave window set", "number", s.Number, "enabled", cfg.Enabled, "base", cfg.VMEBase, "size", cfg.Size)
	return nil
}

func (m *MockBridgeOps) SlaveGet(s *SlaveResource) (SlaveConfig, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	return m.slaves[s], nil
}

func (m *MockBridgeOps) MasterSet(r *MasterResource, cfg MasterConfig) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	m.masters[r] = cfg
	m.Log.V(1).Info("Master window set", "number", r.Number, "enabled", cfg.Enabled, "base", cfg.VMEBase, "size", cfg.Size)
	return nil
}

func (m *MockBridgeOps) MasterGet(r *MasterResource) (MasterConfig, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	return m.masters[r], nil
}

// window returns the enabled configuration of a master, with m.mtx held.
func (m *MockBridgeOps) window(r *MasterResource) (MasterConfig, error) {
	cfg, ok := m.masters[r]
	if !ok || !cfg.Enabled {
		return MasterConfig{}, fmt.Errorf("master window %d not enabled", r.Number)
	}
	return cfg, nil
}

func (m *MockBridgeOps) MasterRead(r *MasterResource, buf []byte, offset uint64) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	cfg, err := m.window(r)
	if err != nil {
		return 0, err
	}

	address := cfg.VMEBase + offset
	if e, found := r.Bridge().FindBusError(address, uint64(len(buf))); found {
		return 0, fmt.Errorf("VME bus error at %#x", e.Address)
	}

	for i := range buf {
		buf[i] = m.load(r.Bridge(), cfg.Aspace, address+uint64(i))
	}

	return len(buf), nil
}

func (m *MockBridgeOps) MasterWrite(r *MasterResource, buf []byte, offset uint64) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	cfg, err := m.window(r)
	if err != nil {
		return 0, err
	}

	address := cfg.VMEBase + offset
	if e, found := r.Bridge().FindBusError(address, uint64(len(buf))); found {
		return 0, fmt.Errorf("VME bus error at %#x", e.Address)
	}

	for i, v := range buf {
		m.store(r.Bridge(), cfg.Aspace, address+uint64(i), v)
	}

	return len(buf), nil
}

func (m *MockBridgeOps) MasterRMW(r *MasterResource, mask, compare, swap uint32, offset uint64) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	cfg, err := m.window(r)
	if err != nil {
		return 0, err
	}

	if offset > cfg.Size || cfg.Size-offset < 4 {
		return 0, NewError(KindInvalidOffset).WithResourceType(ResourceMaster).
			WithCause(fmt.Sprintf("offset %#x beyond window size %#x", offset, cfg.Size))
	}

	address := cfg.VMEBase + offset
	word := make([]byte, 4)
	for i := range word {
		word[i] = m.load(r.Bridge(), cfg.Aspace, address+uint64(i))
	}

	old := binary.BigEndian.Uint32(word)
	if old&mask == compare&mask {
		binary.BigEndian.PutUint32(word, (old&^mask)|(swap&mask))
		for i, v := range word {
			m.store(r.Bridge(), cfg.Aspace, address+uint64(i), v)
		}
	}

	return old, nil
}

// slaveMemory returns the consistent memory behind VME address addr if an
// enabled slave window of the bridge covers it.
func (m *MockBridgeOps) slaveMemory(b *Bridge, aspace AddressSpace, addr uint64) ([]byte, bool) {
	parent, ok := b.Parent.(*MockParentDevice)
	if !ok {
		return nil, false
	}

	for s, cfg := range m.slaves {
		if s.Bridge() != b || !cfg.Enabled || cfg.Aspace != aspace {
			continue
		}
		if addr < cfg.VMEBase || addr-cfg.VMEBase >= cfg.Size {
			continue
		}

		return parent.Memory(cfg.BufBase+addr-cfg.VMEBase, 1)
	}

	return nil, false
}

func (m *MockBridgeOps) load(b *Bridge, aspace AddressSpace, addr uint64) byte {
	if mem, ok := m.slaveMemory(b, aspace, addr); ok {
		return mem[0]
	}

	return m.memory[aspace][addr]
}

func (m *MockBridgeOps) store(b *Bridge, aspace AddressSpace, addr uint64, v byte) {
	if mem, ok := m.slaveMemory(b, aspace, addr); ok {
		mem[0] = v
		return
	}

	space, ok := m.memory[aspace]
	if !ok {
		space = map[uint64]byte{}
		m.memory[aspace] = space
	}
	space[addr] = v
}

// Peek reads VME memory directly, bypassing any window.
func (m *MockBridgeOps) Peek(b *Bridge, aspace AddressSpace, addr uint64, count int) []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	buf := make([]byte, count)
	for i := range buf {
		buf[i] = m.load(b, aspace, addr+uint64(i))
	}
	return buf
}

// Poke writes VME memory directly, bypassing any window.
func (m *MockBridgeOps) Poke(b *Bridge, aspace AddressSpace, addr uint64, data []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	for i, v := range data {
		m.store(b, aspace, addr+uint64(i), v)
	}
}

func (m *MockBridgeOps) DMAListAdd(l *DMAList, src, dest DMAAttribute, count uint64) error {
	if count == 0 {
		return NewError(KindInvalidArgument).WithResourceType(ResourceDMA).WithCause("zero length transfer")
	}

	entries, _ := l.Private.([]mockDMAEntry)
	l.Private = append(entries, mockDMAEntry{src: src, dest: dest, count: count})
	return nil
}

func (m *MockBridgeOps) DMAListExec(l *DMAList) error {
	entries, _ := l.Private.([]mockDMAEntry)
	entries = append([]mockDMAEntry{}, entries...)
	ctrlr := l.Controller()

	if !m.Async {
		ctrlr.MarkRunning(l)
		defer ctrlr.MarkComplete(l)
		return m.run(ctrlr.Bridge(), entries)
	}

	ctrlr.MarkPending(l)
	m.engine.Add(1)
	go func() {
		defer m.engine.Done()
		defer ctrlr.MarkComplete(l)

		ctrlr.MarkRunning(l)
		if err := m.run(ctrlr.Bridge(), entries); err != nil {
			m.Log.Error(err, "DMA transfer failed", "list", l.ID())

			m.mtx.Lock()
			m.execErrors = append(m.execErrors, err)
			m.mtx.Unlock()
		}
	}()

	return nil
}

// WaitIdle waits for every list queued with Async set to complete and
// returns the errors they hit.
func (m *MockBridgeOps) WaitIdle() []error {
	m.engine.Wait()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	errs := m.execErrors
	m.execErrors = nil
	return errs
}

func (m *MockBridgeOps) run(b *Bridge, entries []mockDMAEntry) error {
	if m.ExecStarted != nil {
		m.ExecStarted <- struct{}{}
	}
	if m.ExecGate != nil {
		<-m.ExecGate
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	for _, e := range entries {
		data, err := m.source(b, e.src, e.count)
		if err != nil {
			return err
		}
		if err := m.sink(b, e.dest, data); err != nil {
			return err
		}
	}

	return nil
}

func (m *MockBridgeOps) source(b *Bridge, src DMAAttribute, count uint64) ([]byte, error) {
	data := make([]byte, count)

	switch attr := src.(type) {
	case PatternAttribute:
		var word [4]byte
		for i := range data {
			if attr.Type&PatternWord != 0 {
				value := attr.Pattern
				if attr.Type&PatternIncrement != 0 {
					value += uint32(i / 4)
				}
				binary.BigEndian.PutUint32(word[:], value)
				data[i] = word[i%4]
			} else {
				value := byte(attr.Pattern)
				if attr.Type&PatternIncrement != 0 {
					value += byte(i)
				}
				data[i] = value
			}
		}
	case PCIAttribute:
		mem, ok := m.pciMemory(b, attr.Address, count)
		if !ok {
			return nil, fmt.Errorf("no consistent memory at bus address %#x", attr.Address)
		}
		copy(data, mem)
	case VMEAttribute:
		if e, found := b.FindBusError(attr.Address, count); found {
			return nil, fmt.Errorf("VME bus error at %#x", e.Address)
		}
		for i := range data {
			data[i] = m.load(b, attr.Aspace, attr.Address+uint64(i))
		}
	default:
		return nil, fmt.Errorf("unknown transfer source %T", src)
	}

	return data, nil
}

func (m *MockBridgeOps) sink(b *Bridge, dest DMAAttribute, data []byte) error {
	switch attr := dest.(type) {
	case PCIAttribute:
		mem, ok := m.pciMemory(b, attr.Address, uint64(len(data)))
		if !ok {
			return fmt.Errorf("no consistent memory at bus address %#x", attr.Address)
		}
		copy(mem, data)
	case VMEAttribute:
		if e, found := b.FindBusError(attr.Address, uint64(len(data))); found {
			return fmt.Errorf("VME bus error at %#x", e.Address)
		}
		for i, v := range data {
			m.store(b, attr.Aspace, attr.Address+uint64(i), v)
		}
	default:
		return fmt.Errorf("unknown transfer destination %T", dest)
	}

	return nil
}

func (m *MockBridgeOps) pciMemory(b *Bridge, busAddr, count uint64) ([]byte, bool) {
	parent, ok := b.Parent.(*MockParentDevice)
	if !ok {
		return nil, false
	}
	return parent.Memory(busAddr, count)
}

func (m *MockBridgeOps) DMAListEmpty(l *DMAList) error {
	if m.FailEmpty != nil {
		return m.FailEmpty
	}

	l.Private = nil
	return nil
}

func (m *MockBridgeOps) IrqSet(b *Bridge, level int, enable, wait bool) error {
	if m.FailIrqSet != nil {
		return m.FailIrqSet
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if enable {
		m.irqEnable[level-1]++
	} else {
		m.irqDisable[level-1]++
	}
	return nil
}

// IrqEnables returns how many times the level was enabled.
func (m *MockBridgeOps) IrqEnables(level int) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.irqEnable[level-1]
}

// IrqDisables returns how many times the level was disabled.
func (m *MockBridgeOps) IrqDisables(level int) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.irqDisable[level-1]
}

// IrqGenerate loops the interrupt straight back to the bridge.
func (m *MockBridgeOps) IrqGenerate(b *Bridge, level, vector int) error {
	b.IrqHandler(level, vector)
	return nil
}

func (m *MockBridgeOps) LMSet(lm *LMResource, cfg LMConfig) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	m.lms[lm] = cfg
	return nil
}

func (m *MockBridgeOps) LMGet(lm *LMResource) (LMConfig, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.init()

	return m.lms[lm], nil
}

func (m *MockBridgeOps) LMAttach(lm *LMResource, monitor int, callback func(int)) error {
	m.Log.V(1).Info("Location monitor attached", "number", lm.Number, "monitor", monitor)
	return nil
}

func (m *MockBridgeOps) LMDetach(lm *LMResource, monitor int) error {
	m.Log.V(1).Info("Location monitor detached", "number", lm.Number, "monitor", monitor)
	return nil
}

// TriggerLocationMonitor fires a monitor as if its address was accessed. It
// returns false when no callback is attached.
func (m *MockBridgeOps) TriggerLocationMonitor(lm *LMResource, monitor int) bool {
	callback := lm.Callback(monitor)
	if callback == nil {
		return false
	}

	callback(monitor)
	return true
}

func (m *MockBridgeOps) SlotGet(b *Bridge) (int, error) {
	return m.Slot, nil
}
