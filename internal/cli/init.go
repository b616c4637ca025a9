package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
)

// defaultProfileTemplate is written by init when no default profile exists.
const defaultProfileTemplate = `{
  "downstreams": {
    "everything": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-everything"]
    }
  }
}
`

// InitCommand scaffolds the data directory and a starter profile.
var InitCommand = &cli.Command{
	Name:  "init",
	Usage: "toolmux init",
	Description: `Create the toolmux data directory (profiles, cache, logs) and a starter
default profile if none exists. Existing files are never overwritten.`,
	Action: handleInitCommand,
}

// handleInitCommand handles the init command.
func handleInitCommand(_ context.Context, _ *cli.Command) error {
	if err := config.EnsureDataDirs(); err != nil {
		return common.Fatalf("failed to prepare data directory: %v", err)
	}
	dataDir, err := common.DataDir()
	if err != nil {
		return common.Fatalf("%v", err)
	}

	path, err := config.ProfilePath("default")
	if err != nil {
		return common.Fatalf("%v", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		fmt.Printf("Data directory ready at %s (default profile already exists)\n", dataDir)
		return nil
	}
	if err := os.WriteFile(path, []byte(defaultProfileTemplate), 0o644); err != nil {
		return common.Fatalf("failed to write default profile: %v", err)
	}

	fmt.Printf("Data directory ready at %s\n", dataDir)
	fmt.Printf("Starter profile written to %s. Edit it, then run: toolmux serve\n", path)
	return nil
}
