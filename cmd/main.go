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

// Package main contains the entry point for toolmux - it uses internal packages to provide the following CLI commands:.
// - toolmux serve.
// - toolmux init.
// - toolmux index.
// - toolmux logs.
package main

import (
	"context"
	"fmt"
	"os"

	urfavecli "github.com/urfave/cli/v3"

	"github.com/toolmux/toolmux/internal/cli"
	"github.com/toolmux/toolmux/internal/common"
)

// version is set by build flags during release.
var version = "dev"

func main() {
	cli.Version = version

	app := &urfavecli.Command{
		Name:                  "toolmux",
		Description:           "Aggregate N MCP servers behind two semantic tools: find and run.",
		Usage:                 "toolmux serve",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*urfavecli.Command{
			cli.ServeCommand,
			cli.InitCommand,
			cli.IndexCommand,
			cli.LogsCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "toolmux: %v\n", err)
		if common.KindOf(err) == common.KindFatal {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
