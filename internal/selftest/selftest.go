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

package selftest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/NearNodeFlash/nnf-vme/pkg/drivers/vmeuser"
	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

const dmaTestSize = 256

// Check is the outcome of one exercise on one bridge.
type Check struct {
	Name    string
	Skipped bool
	Err     error
}

// Result holds the checks run against one bridge.
type Result struct {
	Bridge    string
	BusNumber int
	Checks    []Check
}

func (r *Result) run(log logr.Logger, name string, fn func() error) {
	err := fn()
	if errors.Is(err, errSkipped) {
		log.Info("Check skipped", "check", name)
		r.Checks = append(r.Checks, Check{Name: name, Skipped: true})
		return
	}

	if err != nil {
		log.Error(err, "Check failed", "check", name)
	} else {
		log.Info("Check passed", "check", name)
	}
	r.Checks = append(r.Checks, Check{Name: name, Err: err})
}

// Err combines the failures of the result.
func (r *Result) Err() error {
	var errs error
	for _, c := range r.Checks {
		if c.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s: %w", r.Bridge, c.Name, c.Err))
		}
	}
	return errs
}

var errSkipped = errors.New("skipped")

// Run exercises every registered bridge concurrently: a master window
// writing into each vmeuser device's slave window, a DMA pattern fill and an
// interrupt loopback. The results are ordered by bus number; the error
// combines every failure.
func Run(ctx context.Context, registry *vme.Registry, devices []*vmeuser.Device, log logr.Logger) ([]Result, error) {
	var (
		mtx     sync.Mutex
		results []Result
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, bridge := range registry.Bridges() {
		bus := bridge.BusNumber

		g.Go(func() error {
			b, err := registry.Get(bus)
			if err != nil {
				return err
			}
			defer registry.Put(b)

			onBridge := []*vmeuser.Device{}
			for _, dev := range devices {
				if dev.Bridge() == b {
					onBridge = append(onBridge, dev)
				}
			}

			result := exercise(ctx, b, onBridge, log.WithValues("bridge", b.Name, "bus", bus))

			mtx.Lock()
			results = append(results, result)
			mtx.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].BusNumber < results[j].BusNumber })

	var errs error
	for i := range results {
		errs = multierr.Append(errs, results[i].Err())
	}

	return results, errs
}

func exercise(ctx context.Context, b *vme.Bridge, devices []*vmeuser.Device, log logr.Logger) Result {
	result := Result{Bridge: b.Name, BusNumber: b.BusNumber}

	result.run(log, "slave-loopback", func() error {
		if len(devices) == 0 {
			return errSkipped
		}

		for _, dev := range devices {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := slaveLoopback(b, dev); err != nil {
				return fmt.Errorf("%s: %w", dev.Name, err)
			}
		}
		return nil
	})

	result.run(log, "dma-pattern", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return dmaPattern(b)
	})

	result.run(log, "interrupt-loopback", func() error {
		if len(devices) == 0 {
			return errSkipped
		}

		for _, dev := range devices {
			before := dev.Interrupts()
			if err := dev.GenerateInterrupt(); err != nil {
				return fmt.Errorf("%s: %w", dev.Name, err)
			}
			if dev.Interrupts() == before {
				level, vector := dev.Interrupt()
				return fmt.Errorf("%s: interrupt level %d vector %#x not delivered", dev.Name, level, vector)
			}
		}
		return nil
	})

	return result
}

// slaveLoopback writes through a second master window onto the slave window
// of dev and reads the data back from its consistent memory.
func slaveLoopback(b *vme.Bridge, dev *vmeuser.Device) error {
	window, err := dev.SlaveWindow()
	if err != nil {
		return err
	}

	m, err := b.MasterRequest(window.Aspace, vme.CycleSCT, vme.D16)
	if err != nil {
		return err
	}
	defer m.Free()

	if err := m.Set(vme.MasterConfig{
		Enabled: true,
		VMEBase: window.VMEBase,
		Size:    window.Size,
		Aspace:  window.Aspace,
		Cycle:   vme.CycleSCT,
		Width:   vme.D16,
	}); err != nil {
		return err
	}

	pattern := make([]byte, 64)
	if uint64(len(pattern)) > window.Size {
		pattern = pattern[:window.Size]
	}
	for i := range pattern {
		pattern[i] = byte(0xA0 + i)
	}

	if _, err := m.Write(pattern, 0); err != nil {
		return err
	}

	if got := dev.SlaveBuffer()[:len(pattern)]; !bytes.Equal(got, pattern) {
		return fmt.Errorf("slave memory holds % x, wrote % x", got, pattern)
	}

	readBack := make([]byte, len(pattern))
	if _, err := m.Read(readBack, 0); err != nil {
		return err
	}
	if !bytes.Equal(readBack, pattern) {
		return fmt.Errorf("read back % x, wrote % x", readBack, pattern)
	}

	return m.Set(vme.MasterConfig{Aspace: window.Aspace, Cycle: vme.CycleSCT, Width: vme.D16})
}

// dmaPattern fills consistent memory with an incrementing pattern.
func dmaPattern(b *vme.Bridge) (err error) {
	dma, err := b.DMARequest(vme.RoutePatternToMem)
	if vme.KindOf(err) == vme.KindResourceExhausted {
		return errSkipped
	}
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dma.Free()) }()

	buf, busAddr, err := vme.AllocConsistent(dma, dmaTestSize)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, vme.FreeConsistent(dma, buf, busAddr)) }()

	l, err := dma.NewList()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, l.Free()) }()

	if err := l.Add(vme.NewPatternAttribute(0, vme.PatternByte|vme.PatternIncrement), vme.NewPCIAttribute(busAddr), dmaTestSize); err != nil {
		return err
	}

	if err := l.Exec(); err != nil {
		return err
	}

	for i, v := range buf {
		if v != byte(i) {
			return fmt.Errorf("byte %d is %#x, expected %#x", i, v, byte(i))
		}
	}

	return nil
}
