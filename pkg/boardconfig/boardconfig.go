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

// Package boardconfig describes the VME bridges of a board in YAML and
// builds them on the in-memory bridge backend.
package boardconfig

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"

	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

// Board is the top level of a board description.
type Board struct {
	Name    string       `json:"name"`
	Bridges []BridgeSpec `json:"bridges"`
	VMEUser *VMEUserSpec `json:"vmeuser,omitempty"`
	Vars    *VarHandler  `json:"-"`
}

// BridgeSpec describes one bridge chip and its resources.
type BridgeSpec struct {
	Name string `json:"name"`

	// BusNumber requests a bus number; nil asks for any free number
	BusNumber *int `json:"busNumber,omitempty"`

	Slot int `json:"slot,omitempty"`

	Masters          []MasterSpec `json:"masters,omitempty"`
	Slaves           []SlaveSpec  `json:"slaves,omitempty"`
	DMA              []DMASpec    `json:"dma,omitempty"`
	LocationMonitors []LMSpec     `json:"locationMonitors,omitempty"`
}

// MasterSpec describes Count identical master windows.
type MasterSpec struct {
	Count  int      `json:"count"`
	Aspace []string `json:"aspace"`
	Cycle  []string `json:"cycle"`
	Width  []string `json:"width"`
}

// SlaveSpec describes Count identical slave windows.
type SlaveSpec struct {
	Count  int      `json:"count"`
	Aspace []string `json:"aspace"`
	Cycle  []string `json:"cycle"`
}

// DMASpec describes Count identical DMA controllers.
type DMASpec struct {
	Count  int      `json:"count"`
	Routes []string `json:"routes"`
}

// LMSpec describes Count location monitor blocks.
type LMSpec struct {
	Count    int `json:"count"`
	Monitors int `json:"monitors"`
}

// VMEUserSpec configures the vmeuser driver.
type VMEUserSpec struct {
	Devices    int    `json:"devices"`
	MasterBase uint64 `json:"masterBase"`
	MasterSize uint64 `json:"masterSize"`
	SlaveBase  uint64 `json:"slaveBase"`
	SlaveSize  uint64 `json:"slaveSize"`
	IrqLevel   int    `json:"irqLevel"`
	IrqVector  int    `json:"irqVector"`

	// Buses limits the driver to these bus numbers; empty binds every bridge
	Buses []int `json:"buses,omitempty"`
}

// BusListVar holds a whitespace separated list of bus numbers. Parse expands
// it into $BUS1, $BUS2 and so on.
const BusListVar = "$BUSES"

// Load reads a board description from path, substituting vars first.
func Load(path string, vars *VarHandler) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read board config %s: %w", path, err)
	}

	board, err := Parse(data, vars)
	if err != nil {
		return nil, fmt.Errorf("board config %s: %w", path, err)
	}

	return board, nil
}

// Parse decodes and validates a board description.
func Parse(data []byte, vars *VarHandler) (*Board, error) {
	if vars == nil {
		vars = NewVarHandler(nil)
	}

	if _, ok := vars.VarMap[BusListVar]; ok {
		if err := vars.ListToVars(BusListVar, "$BUS"); err != nil {
			return nil, err
		}
	}

	board := &Board{Vars: vars}
	if err := yaml.Unmarshal([]byte(vars.ReplaceAll(string(data))), board); err != nil {
		return nil, fmt.Errorf("could not parse board config: %w", err)
	}

	if err := board.Validate(); err != nil {
		return nil, err
	}

	return board, nil
}

// Validate checks names, counts and attribute names of the description.
func (board *Board) Validate() error {
	if len(board.Bridges) == 0 {
		return fmt.Errorf("no bridges defined")
	}
	if len(board.Bridges) > vme.MaxBridges {
		return fmt.Errorf("%d bridges defined, at most %d supported", len(board.Bridges), vme.MaxBridges)
	}

	names := map[string]bool{}
	buses := map[int]string{}
	for i := range board.Bridges {
		spec := &board.Bridges[i]
		if len(spec.Name) == 0 {
			return fmt.Errorf("bridge %d has no name", i)
		}
		if names[spec.Name] {
			return fmt.Errorf("bridge %s defined more than once", spec.Name)
		}
		names[spec.Name] = true

		if spec.BusNumber != nil {
			bus := *spec.BusNumber
			if bus < 0 || bus >= vme.MaxBridges {
				return fmt.Errorf("bridge %s: bus number %d out of range", spec.Name, bus)
			}
			if other, taken := buses[bus]; taken {
				return fmt.Errorf("bridge %s: bus number %d already used by %s", spec.Name, bus, other)
			}
			buses[bus] = spec.Name
		}

		if spec.Slot < 0 || spec.Slot >= vme.SlotsMax {
			return fmt.Errorf("bridge %s: slot %d out of range", spec.Name, spec.Slot)
		}

		if _, err := spec.resources(); err != nil {
			return fmt.Errorf("bridge %s: %w", spec.Name, err)
		}
	}

	if user := board.VMEUser; user != nil {
		if user.Devices < 1 || user.Devices > vme.SlotsMax {
			return fmt.Errorf("vmeuser: device count %d out of range", user.Devices)
		}
		if user.IrqLevel < 1 || user.IrqLevel > 7 {
			return fmt.Errorf("vmeuser: interrupt level %d out of range", user.IrqLevel)
		}
		if user.IrqVector < 0 || user.IrqVector+user.Devices > 256 {
			return fmt.Errorf("vmeuser: interrupt vectors %d-%d out of range", user.IrqVector, user.IrqVector+user.Devices-1)
		}
		if user.MasterSize == 0 || user.SlaveSize == 0 {
			return fmt.Errorf("vmeuser: window sizes must be set")
		}

		listed := map[int]bool{}
		for _, bus := range user.Buses {
			if bus < 0 || bus >= vme.MaxBridges {
				return fmt.Errorf("vmeuser: bus number %d out of range", bus)
			}
			if listed[bus] {
				return fmt.Errorf("vmeuser: bus number %d listed more than once", bus)
			}
			listed[bus] = true
		}
	}

	return nil
}

type resources struct {
	masters []*vme.MasterResource
	slaves  []*vme.SlaveResource
	dmas    []*vme.DMAResource
	lms     []*vme.LMResource
}

// resources turns the specs into resource descriptors, numbered per kind
// in the order they are listed.
func (spec *BridgeSpec) resources() (*resources, error) {
	res := &resources{}

	for _, m := range spec.Masters {
		aspace, err := vme.ParseAddressSpace(m.Aspace...)
		if err != nil {
			return nil, err
		}
		cycle, err := vme.ParseCycle(m.Cycle...)
		if err != nil {
			return nil, err
		}
		width, err := vme.ParseWidth(m.Width...)
		if err != nil {
			return nil, err
		}
		if m.Count < 1 {
			return nil, fmt.Errorf("master count %d must be positive", m.Count)
		}

		for i := 0; i < m.Count; i++ {
			res.masters = append(res.masters, vme.NewMasterResource(len(res.masters), aspace, cycle, width))
		}
	}

	for _, s := range spec.Slaves {
		aspace, err := vme.ParseAddressSpace(s.Aspace...)
		if err != nil {
			return nil, err
		}
		cycle, err := vme.ParseCycle(s.Cycle...)
		if err != nil {
			return nil, err
		}
		if s.Count < 1 {
			return nil, fmt.Errorf("slave count %d must be positive", s.Count)
		}

		for i := 0; i < s.Count; i++ {
			res.slaves = append(res.slaves, vme.NewSlaveResource(len(res.slaves), aspace, cycle))
		}
	}

	for _, d := range spec.DMA {
		route, err := vme.ParseDMARoute(d.Routes...)
		if err != nil {
			return nil, err
		}
		if d.Count < 1 {
			return nil, fmt.Errorf("dma count %d must be positive", d.Count)
		}

		for i := 0; i < d.Count; i++ {
			res.dmas = append(res.dmas, vme.NewDMAResource(len(res.dmas), route))
		}
	}

	for _, lm := range spec.LocationMonitors {
		if lm.Count < 1 || lm.Monitors < 1 {
			return nil, fmt.Errorf("location monitor count %d and monitors %d must be positive", lm.Count, lm.Monitors)
		}

		for i := 0; i < lm.Count; i++ {
			res.lms = append(res.lms, vme.NewLMResource(len(res.lms), lm.Monitors))
		}
	}

	return res, nil
}

// Build creates one unregistered bridge per description, backed by
// vme.MockBridgeOps and a vme.MockParentDevice.
func (board *Board) Build(log logr.Logger) ([]*vme.Bridge, error) {
	bridges := make([]*vme.Bridge, 0, len(board.Bridges))

	for i := range board.Bridges {
		spec := &board.Bridges[i]

		res, err := spec.resources()
		if err != nil {
			return nil, fmt.Errorf("bridge %s: %w", spec.Name, err)
		}

		ops := &vme.MockBridgeOps{Log: log.WithValues("mock", spec.Name), Slot: spec.Slot}
		b := vme.NewBridge(spec.Name, ops, vme.NewMockParentDevice())
		if spec.BusNumber != nil {
			b.BusNumber = *spec.BusNumber
		}

		for _, m := range res.masters {
			b.AddMasterResource(m)
		}
		for _, s := range res.slaves {
			b.AddSlaveResource(s)
		}
		for _, d := range res.dmas {
			b.AddDMAResource(d)
		}
		for _, lm := range res.lms {
			b.AddLMResource(lm)
		}

		bridges = append(bridges, b)
	}

	return bridges, nil
}
