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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapcr "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/NearNodeFlash/nnf-vme/internal/version"
	"github.com/NearNodeFlash/nnf-vme/pkg/boardconfig"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "vmectl",
	Short:         "Inspect and exercise a VME board description",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "Version", version.BuildVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log resource traffic")
	rootCmd.PersistentFlags().StringArray("var", nil, "board variable NAME=VALUE, may be repeated")

	rootCmd.AddCommand(versionCmd, validateCmd, inventoryCmd, selftestCmd)
}

func newLogger(cmd *cobra.Command) logr.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zapcr.New(zapcr.WriteTo(cmd.ErrOrStderr()), zapcr.Encoder(encoder), zapcr.Level(level))
}

// loadBoard reads the board description named by the single argument. VME_
// environment variables and --var flags are substituted, flags last.
func loadBoard(cmd *cobra.Command, args []string) (*boardconfig.Board, error) {
	vars := boardconfig.NewVarHandler(nil)
	vars.AddEnv("VME_")

	pairs, _ := cmd.Flags().GetStringArray("var")
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || len(name) == 0 {
			return nil, fmt.Errorf("malformed variable %q, expected NAME=VALUE", pair)
		}
		vars.AddVar(name, value)
	}

	return boardconfig.Load(args[0], vars)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
