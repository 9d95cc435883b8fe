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

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/NearNodeFlash/nnf-vme/internal/selftest"
	"github.com/NearNodeFlash/nnf-vme/internal/system"
	"github.com/NearNodeFlash/nnf-vme/pkg/boardconfig"
	"github.com/NearNodeFlash/nnf-vme/pkg/vme"
)

var validateCmd = &cobra.Command{
	Use:   "validate <board.yaml>",
	Short: "Check a board description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		board, err := loadBoard(cmd, args)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bridges, valid\n", board.Name, len(board.Bridges))
		return nil
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <board.yaml>",
	Short: "List the resources of every bridge of a board",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		board, err := loadBoard(cmd, args)
		if err != nil {
			return err
		}

		log := newLogger(cmd)
		registry := vme.NewRegistry(log)
		defer registry.Clear()

		if err := registerAll(board, registry, log); err != nil {
			return err
		}

		return printInventory(cmd.OutOrStdout(), registry.Bridges())
	},
}

var selftestCmd = &cobra.Command{
	Use:   "selftest <board.yaml>",
	Short: "Bring a board up and run loopback exercises on every bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		board, err := loadBoard(cmd, args)
		if err != nil {
			return err
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		log := newLogger(cmd)

		s, err := system.Start(cmd.Context(), board, log)
		if err != nil {
			return err
		}
		defer func() {
			if stopErr := s.Stop(timeout); stopErr != nil && err == nil {
				err = stopErr
			}
		}()

		results, err := selftest.Run(cmd.Context(), s.Registry, s.Devices(), log)
		if results != nil {
			printResults(cmd.OutOrStdout(), results)
		}

		return err
	},
}

func init() {
	selftestCmd.Flags().Duration("timeout", 5*time.Second, "time to wait for each bridge to be released")
}

func registerAll(board *boardconfig.Board, registry *vme.Registry, log logr.Logger) error {
	bridges, err := board.Build(log)
	if err != nil {
		return err
	}

	for _, b := range bridges {
		if err := registry.Register(b); err != nil {
			return fmt.Errorf("register bridge %s: %w", b.Name, err)
		}
	}

	return nil
}

func printInventory(out io.Writer, bridges []*vme.Bridge) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "BUS\tBRIDGE\tSLOT\tRESOURCE\tATTRIBUTES")
	for _, b := range bridges {
		slot := "-"
		if n, err := b.SlotGet(); err == nil {
			slot = fmt.Sprint(n)
		}

		prefix := fmt.Sprintf("%d\t%s\t%s", b.BusNumber, b.Name, slot)
		for _, m := range b.MasterResources() {
			fmt.Fprintf(w, "%s\tmaster %d\t%s %s %s\n", prefix, m.Number, m.AddressAttr, m.CycleAttr, m.WidthAttr)
		}
		for _, s := range b.SlaveResources() {
			fmt.Fprintf(w, "%s\tslave %d\t%s %s\n", prefix, s.Number, s.AddressAttr, s.CycleAttr)
		}
		for _, d := range b.DMAResources() {
			fmt.Fprintf(w, "%s\tdma %d\t%s\n", prefix, d.Number, d.RouteAttr)
		}
		for _, lm := range b.LMResources() {
			fmt.Fprintf(w, "%s\tlm %d\tmonitors=%d\n", prefix, lm.Number, lm.Monitors)
		}
	}

	return w.Flush()
}

func printResults(out io.Writer, results []selftest.Result) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "BUS\tBRIDGE\tCHECK\tRESULT")
	for _, result := range results {
		for _, c := range result.Checks {
			status := "ok"
			switch {
			case c.Skipped:
				status = "skipped"
			case c.Err != nil:
				status = "FAILED: " + c.Err.Error()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", result.BusNumber, result.Bridge, c.Name, status)
		}
	}

	w.Flush()
}
