// Copyright 2025 The Samply Community
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

// Package cmd contains all commands of bulkectl.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var server string
var insecure bool
var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bulkectl",
	Short: "Bulk Data Export for your FHIR® Server from the Command Line",
	Long: `bulkectl is a command line tool that drives the Bulk Data Access ($export)
operation of a FHIR® server and downloads the resulting NDJSON files.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// newLogger creates the console logger of the command line surface. Without
// --verbose only warnings and errors appear.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "the base URL of the server to use")
	rootCmd.PersistentFlags().BoolVarP(&insecure, "insecure", "k", false, "allow insecure server connections when using TLS")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol progress")
	_ = rootCmd.MarkPersistentFlagRequired("server")
}
