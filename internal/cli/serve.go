// Copyright 2025 Toolmux Contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at.
//
//     http://www.apache.org/licenses/LICENSE-2.0.
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli defines the toolmux command tree.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/logging"
	"github.com/toolmux/toolmux/internal/proxy"
)

// Version is set by the main package from build flags.
var Version = "dev"

// ServeCommand runs the aggregating MCP server over stdio.
var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "toolmux serve [--profile <name>]",
	Description: `Serve the aggregating MCP proxy over stdio.

The upstream client sees a single MCP server with two tools: find (discover
capabilities across all configured downstreams by intent) and run (invoke a
discovered tool). Diagnostics go to stderr and the log file, never stdout.

Examples:
  toolmux serve
  toolmux serve --profile team`,
	Action: handleServeCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "profile",
			Usage: "Profile name under the profiles directory",
			Value: "default",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Path to a .env file loaded before reading the environment",
			Value: ".env",
		},
	},
	UseShortOptionHandling: true,
}

// handleServeCommand handles the serve command.
func handleServeCommand(ctx context.Context, cmd *cli.Command) error {
	// Best effort: a missing .env file is fine.
	godotenv.Load(cmd.String("env-file"))

	if err := common.InitializeLogger(); err != nil {
		common.LogWarn("File logging unavailable, using stderr only: %v", err)
	}
	defer common.CloseLogger()

	if err := config.EnsureDataDirs(); err != nil {
		return common.Fatalf("failed to prepare data directory: %v", err)
	}

	profileName := cmd.String("profile")
	profile, err := config.LoadProfile(profileName)
	if err != nil {
		return err
	}
	provider, err := newProvider()
	if err != nil {
		return err
	}

	events, err := logging.NewEventLogger(profileName)
	if err != nil {
		common.LogWarn("Event logging unavailable: %v", err)
		events = nil
	} else {
		defer events.Close()
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orc, err := proxy.NewOrchestrator(serveCtx, profile, provider, events)
	if err != nil {
		return err
	}
	server := proxy.NewServer(orc, profile, Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		common.LogInfo("Received shutdown signal, stopping")
		cancel()
	}()

	if events != nil {
		events.LogServeStart(orc.SessionID(), profile.Downstreams.Len())
	}
	common.LogInfo("Serving profile %s with %d downstreams", profileName, profile.Downstreams.Len())

	runErr := server.Run(serveCtx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	if err := orc.Shutdown(); err != nil {
		common.LogWarn("Shutdown incomplete: %v", err)
	}
	if events != nil {
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		events.LogServeStop(orc.SessionID(), runErr == nil, msg)
	}
	return runErr
}
