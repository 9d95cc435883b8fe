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

// Package system brings up the bridges of a board with the vmeuser driver
// bound to them, and tears them down again.
package system

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/NearNodeFlash/nnf-vme/pkg/boardconfig"
	"github.com/NearNodeFlash/nnf-vme/pkg/drivers/vmeuser"
	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

type System struct {
	Board    *boardconfig.Board
	Registry *vme.Registry
	Bus      *vme.Bus

	// User is the vmeuser driver, nil when the board does not configure it
	User *vmeuser.Driver

	log logr.Logger
}

// Start registers every bridge of the board and binds the vmeuser driver.
// Whatever was set up is torn down again on failure.
func Start(ctx context.Context, board *boardconfig.Board, log logr.Logger) (*System, error) {
	bridges, err := board.Build(log)
	if err != nil {
		return nil, err
	}

	s := &System{
		Board:    board,
		Registry: vme.NewRegistry(log),
		log:      log.WithName("system"),
	}
	s.Bus = vme.NewBus(s.Registry, log)

	for _, b := range bridges {
		if err := s.Registry.Register(b); err != nil {
			return nil, multierr.Append(fmt.Errorf("register bridge %s: %w", b.Name, err), s.Stop(time.Second))
		}
	}

	if user := board.VMEUser; user != nil {
		drv := vmeuser.New(s.Registry, vmeuser.Options{
			MasterBase: user.MasterBase,
			MasterSize: user.MasterSize,
			SlaveBase:  user.SlaveBase,
			SlaveSize:  user.SlaveSize,
			IrqLevel:   user.IrqLevel,
			IrqVector:  user.IrqVector,
			Buses:      user.Buses,
		}, log)

		if err := s.Bus.RegisterDriver(ctx, drv.Driver(), user.Devices); err != nil {
			return nil, multierr.Append(fmt.Errorf("register driver %s: %w", vmeuser.Name, err), s.Stop(time.Second))
		}
		s.User = drv
	}

	s.log.Info("System started", "board", board.Name, "bridges", len(bridges))
	return s, nil
}

// Devices returns the bound vmeuser devices.
func (s *System) Devices() []*vmeuser.Device {
	if s.User == nil {
		return nil
	}
	return s.User.Devices()
}

// Stop shuts the drivers down, unregisters them and the bridges, and waits
// up to timeout per bridge for outstanding references.
func (s *System) Stop(timeout time.Duration) error {
	var errs error

	s.Bus.Shutdown()
	for _, drv := range s.Bus.Drivers() {
		errs = multierr.Append(errs, s.Bus.UnregisterDriver(drv))
	}

	for _, b := range s.Registry.Bridges() {
		s.Registry.Unregister(b)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = multierr.Append(errs, b.Drain(ctx))
		cancel()
	}

	if errs != nil {
		s.log.Error(errs, "System stopped with errors")
	} else {
		s.log.Info("System stopped")
	}

	return errs
}
