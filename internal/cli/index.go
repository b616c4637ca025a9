package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/proxy"
)

// IndexCommand rebuilds the capability cache without serving.
var IndexCommand = &cli.Command{
	Name:  "index",
	Usage: "toolmux index [--profile <name>]",
	Description: `Reconcile the capability index for a profile offline: connect to every
new or changed downstream, list and embed its tools, and persist the cache.
A later serve with this profile starts warm.`,
	Action: handleIndexCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "profile",
			Usage: "Profile name under the profiles directory",
			Value: "default",
		},
	},
}

// handleIndexCommand handles the index command.
func handleIndexCommand(ctx context.Context, cmd *cli.Command) error {
	if err := common.InitializeLogger(); err != nil {
		common.LogWarn("File logging unavailable, using stderr only: %v", err)
	}
	defer common.CloseLogger()

	if err := config.EnsureDataDirs(); err != nil {
		return common.Fatalf("failed to prepare data directory: %v", err)
	}
	profile, err := config.LoadProfile(cmd.String("profile"))
	if err != nil {
		return err
	}
	provider, err := newProvider()
	if err != nil {
		return err
	}

	orc, err := proxy.NewOrchestrator(ctx, profile, provider, nil)
	if err != nil {
		return err
	}
	defer orc.Shutdown()

	if err := orc.Reconcile(ctx); err != nil {
		return err
	}

	for _, name := range profile.Downstreams.Names() {
		fmt.Printf("%-20s %s\n", name, orc.State(name))
	}
	return nil
}
