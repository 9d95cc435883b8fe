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
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// AddressSpace is a bitmask of VME addressing modes.
type AddressSpace uint32

const (
	A16   AddressSpace = 0x1
	A24   AddressSpace = 0x2
	A32   AddressSpace = 0x4
	A64   AddressSpace = 0x8
	CRCSR AddressSpace = 0x10
	User1 AddressSpace = 0x20
	User2 AddressSpace = 0x40
	User3 AddressSpace = 0x80
	User4 AddressSpace = 0x100
)

// Address space ceilings. A window [base, base+size) must not extend past
// the ceiling of its address space.
const (
	A16Max   uint64 = 0x10000
	A24Max   uint64 = 0x1000000
	A32Max   uint64 = 0x100000000
	CRCSRMax uint64 = 0x1000000
)

// Cycle is a bitmask of VME transfer cycle types and cycle modifiers.
type Cycle uint32

const (
	CycleSCT    Cycle = 0x1
	CycleBLT    Cycle = 0x2
	CycleMBLT   Cycle = 0x4
	Cycle2eVME  Cycle = 0x8
	Cycle2eSST  Cycle = 0x10
	Cycle2eSSTB Cycle = 0x20

	Cycle2eSST160 Cycle = 0x100
	Cycle2eSST267 Cycle = 0x200
	Cycle2eSST320 Cycle = 0x400

	CycleSuper Cycle = 0x1000
	CycleUser  Cycle = 0x2000
	CycleProg  Cycle = 0x4000
	CycleData  Cycle = 0x8000
)

// Width is a bitmask of VME data widths.
type Width uint32

const (
	D8  Width = 0x1
	D16 Width = 0x2
	D32 Width = 0x4
	D64 Width = 0x8
)

// DMARoute is a bitmask of the transfer routes a DMA controller can perform.
type DMARoute uint32

const (
	RouteVMEToMem     DMARoute = 1 << 0
	RouteMemToVME     DMARoute = 1 << 1
	RouteVMEToVME     DMARoute = 1 << 2
	RouteMemToMem     DMARoute = 1 << 3
	RoutePatternToVME DMARoute = 1 << 4
	RoutePatternToMem DMARoute = 1 << 5
)

// PatternType describes how a pattern fill is generated.
type PatternType uint32

const (
	PatternByte      PatternType = 1 << 0
	PatternWord      PatternType = 1 << 1
	PatternIncrement PatternType = 1 << 2
)

var addressSpaceNames = map[string]uint32{
	"A16":   uint32(A16),
	"A24":   uint32(A24),
	"A32":   uint32(A32),
	"A64":   uint32(A64),
	"CRCSR": uint32(CRCSR),
	"USER1": uint32(User1),
	"USER2": uint32(User2),
	"USER3": uint32(User3),
	"USER4": uint32(User4),
}

var cycleNames = map[string]uint32{
	"SCT":      uint32(CycleSCT),
	"BLT":      uint32(CycleBLT),
	"MBLT":     uint32(CycleMBLT),
	"2EVME":    uint32(Cycle2eVME),
	"2ESST":    uint32(Cycle2eSST),
	"2ESSTB":   uint32(Cycle2eSSTB),
	"2ESST160": uint32(Cycle2eSST160),
	"2ESST267": uint32(Cycle2eSST267),
	"2ESST320": uint32(Cycle2eSST320),
	"SUPER":    uint32(CycleSuper),
	"USER":     uint32(CycleUser),
	"PROG":     uint32(CycleProg),
	"DATA":     uint32(CycleData),
}

var widthNames = map[string]uint32{
	"D8":  uint32(D8),
	"D16": uint32(D16),
	"D32": uint32(D32),
	"D64": uint32(D64),
}

var routeNames = map[string]uint32{
	"VME_TO_MEM":     uint32(RouteVMEToMem),
	"MEM_TO_VME":     uint32(RouteMemToVME),
	"VME_TO_VME":     uint32(RouteVMEToVME),
	"MEM_TO_MEM":     uint32(RouteMemToMem),
	"PATTERN_TO_VME": uint32(RoutePatternToVME),
	"PATTERN_TO_MEM": uint32(RoutePatternToMem),
}

var patternNames = map[string]uint32{
	"BYTE":      uint32(PatternByte),
	"WORD":      uint32(PatternWord),
	"INCREMENT": uint32(PatternIncrement),
}

func (a AddressSpace) String() string { return maskString(uint32(a), addressSpaceNames) }
func (c Cycle) String() string        { return maskString(uint32(c), cycleNames) }
func (w Width) String() string        { return maskString(uint32(w), widthNames) }
func (r DMARoute) String() string     { return maskString(uint32(r), routeNames) }
func (p PatternType) String() string  { return maskString(uint32(p), patternNames) }

// ParseAddressSpace combines symbolic address space names (e.g. "A24") into a mask.
func ParseAddressSpace(names ...string) (AddressSpace, error) {
	m, err := parseMask("address space", names, addressSpaceNames)
	return AddressSpace(m), err
}

// ParseCycle combines symbolic cycle names (e.g. "BLT", "SUPER") into a mask.
func ParseCycle(names ...string) (Cycle, error) {
	m, err := parseMask("cycle", names, cycleNames)
	return Cycle(m), err
}

// ParseWidth combines symbolic data width names (e.g. "D32") into a mask.
func ParseWidth(names ...string) (Width, error) {
	m, err := parseMask("data width", names, widthNames)
	return Width(m), err
}

// ParseDMARoute combines symbolic route names (e.g. "VME_TO_MEM") into a mask.
func ParseDMARoute(names ...string) (DMARoute, error) {
	m, err := parseMask("dma route", names, routeNames)
	return DMARoute(m), err
}

// ParsePatternType combines symbolic pattern names into a mask.
func ParsePatternType(names ...string) (PatternType, error) {
	m, err := parseMask("pattern", names, patternNames)
	return PatternType(m), err
}

func parseMask(what string, names []string, table map[string]uint32) (uint32, error) {
	var mask uint32
	for _, name := range names {
		bit, ok := table[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown %s '%s'", what, name)
		}
		mask |= bit
	}

	return mask, nil
}

func maskString(mask uint32, table map[string]uint32) string {
	if mask == 0 {
		return "none"
	}

	names := []string{}
	for name, bit := range table {
		if mask&bit != 0 {
			names = append(names, name)
			mask &^= bit
		}
	}
	sort.Strings(names)

	if mask != 0 {
		names = append(names, fmt.Sprintf("%#x", mask))
	}

	return strings.Join(names, "|")
}

// contains reports whether every bit of want is present in have.
func contains[T ~uint32](have, want T) bool {
	return have&want == want
}

// checkWindow validates the window [base, base+size) against the ceiling of
// its address space. Exactly one address space bit must be given.
func checkWindow(aspace AddressSpace, base, size uint64) error {
	end, carry := bits.Add64(base, size, 0)
	if carry != 0 {
		return NewError(KindInvalidWindow).WithCause(fmt.Sprintf("window base %#x size %#x overflows", base, size))
	}

	var ceiling uint64
	switch aspace {
	case A16:
		ceiling = A16Max
	case A24:
		ceiling = A24Max
	case A32:
		ceiling = A32Max
	case CRCSR:
		ceiling = CRCSRMax
	case A64:
		// Any window representable in 64 bits is valid
		return nil
	case User1, User2, User3, User4:
		// User defined spaces are not checked
		return nil
	default:
		return NewError(KindInvalidArgument).WithCause(fmt.Sprintf("invalid address space %s", aspace))
	}

	if end > ceiling || base > ceiling {
		return NewError(KindInvalidWindow).WithCause(fmt.Sprintf("window %#x-%#x exceeds %s limit %#x", base, end, aspace, ceiling))
	}

	return nil
}
