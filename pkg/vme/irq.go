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
	"strconv"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

const (
	irqLevels  = 7
	irqVectors = 256
)

// IrqCallback handles a VME interrupt. ctx is the value given to IrqRequest.
type IrqCallback func(level, vector int, ctx any)

type irqCell struct {
	callback IrqCallback
	ctx      any
}

type irqLevel struct {
	count    int
	callback [irqVectors]irqCell
}

func checkIrq(level, vector int) error {
	if level < 1 || level > irqLevels {
		return NewError(KindInvalidLevel).WithCause(fmt.Sprintf("invalid interrupt level %d", level))
	}
	if vector < 0 || vector >= irqVectors {
		return NewError(KindInvalidArgument).WithCause(fmt.Sprintf("invalid interrupt vector %d", vector))
	}
	return nil
}

// IrqRequest attaches callback to (level, vector). The bridge is asked to
// enable the level on every successful attach; enabling is idempotent.
func (b *Bridge) IrqRequest(level, vector int, callback IrqCallback, ctx any) error {
	if err := checkIrq(level, vector); err != nil {
		return err
	}
	if callback == nil {
		return NewError(KindInvalidArgument).WithCause("nil interrupt callback")
	}

	b.irqMtx.Lock()
	defer b.irqMtx.Unlock()

	lvl := &b.irq[level-1]
	if lvl.callback[vector].callback != nil {
		b.Log().Info("VME interrupt already taken", "level", level, "vector", vector)
		return NewError(KindAlreadyBound).WithCause(fmt.Sprintf("level %d vector %d already taken", level, vector))
	}

	lvl.count++
	lvl.callback[vector] = irqCell{callback: callback, ctx: ctx}

	// Enable IRQ level
	if err := b.Ops.IrqSet(b, level, true, true); err != nil {
		lvl.count--
		lvl.callback[vector] = irqCell{}
		return backendError("irq_set", err)
	}

	return nil
}

// IrqFree detaches the callback at (level, vector). The level is disabled
// once its last callback is gone.
func (b *Bridge) IrqFree(level, vector int) {
	if err := checkIrq(level, vector); err != nil {
		b.Log().Error(err, "Unable to free interrupt")
		return
	}

	b.irqMtx.Lock()
	defer b.irqMtx.Unlock()

	lvl := &b.irq[level-1]
	if lvl.callback[vector].callback == nil {
		b.Log().Error(nil, "Freeing unattached interrupt", "level", level, "vector", vector)
		return
	}

	lvl.count--

	// Disable IRQ level if no more interrupts attached at this level
	if lvl.count == 0 {
		if err := b.Ops.IrqSet(b, level, false, true); err != nil {
			b.Log().Error(backendError("irq_set", err), "Unable to disable interrupt level", "level", level)
		}
	}

	lvl.callback[vector] = irqCell{}
}

// IrqAttached returns the number of callbacks attached at level.
func (b *Bridge) IrqAttached(level int) int {
	if level < 1 || level > irqLevels {
		return 0
	}

	b.irqMtx.RLock()
	defer b.irqMtx.RUnlock()
	return b.irq[level-1].count
}

// IrqHandler is called by the bridge driver when the bus delivers an
// interrupt. An interrupt with no callback attached is reported as spurious.
func (b *Bridge) IrqHandler(level, vector int) {
	if err := checkIrq(level, vector); err != nil {
		metrics.VmeSpuriousInterruptsTotal.Inc()
		b.Log().Info("Spurious VME interrupt", "level", level, "vector", vector, "error", err.Error())
		return
	}

	b.irqMtx.RLock()
	cell := b.irq[level-1].callback[vector]
	b.irqMtx.RUnlock()

	if cell.callback == nil {
		metrics.VmeSpuriousInterruptsTotal.Inc()
		b.Log().Info("Spurious VME interrupt", "level", level, "vector", fmt.Sprintf("%#x", vector))
		return
	}

	metrics.VmeInterruptsTotal.WithLabelValues(b.Name, strconv.Itoa(level)).Inc()
	cell.callback(level, vector, cell.ctx)
}

// IrqGenerate asks the bridge to raise an interrupt on the bus.
func (b *Bridge) IrqGenerate(level, vector int) error {
	if err := checkIrq(level, vector); err != nil {
		return err
	}

	return backendError("irq_generate", b.Ops.IrqGenerate(b, level, vector))
}
