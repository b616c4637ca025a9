package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/toolmux/toolmux/internal/common"
)

// LogsCommand locates and tails the aggregator logs.
var LogsCommand = &cli.Command{
	Name:  "logs",
	Usage: "toolmux logs [--tail <n>]",
	Description: `Print the log file locations and the last lines of today's event log
(structured JSONL of find/run/reconcile events).`,
	Action: handleLogsCommand,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "tail",
			Usage: "Number of event lines to print",
			Value: 20,
		},
	},
}

// handleLogsCommand handles the logs command.
func handleLogsCommand(_ context.Context, cmd *cli.Command) error {
	logsDir, err := common.LogsDir()
	if err != nil {
		return common.Fatalf("%v", err)
	}

	diagnostic := filepath.Join(logsDir, "toolmux.log")
	events := filepath.Join(logsDir, fmt.Sprintf("events_%s.jsonl", time.Now().Format("2006-01-02")))

	fmt.Printf("Diagnostic log: %s\n", diagnostic)
	fmt.Printf("Event log:      %s\n", events)

	tail := int(cmd.Int("tail"))
	if tail <= 0 {
		return nil
	}
	lines, err := tailLines(events, tail)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("\nNo events recorded today.")
			return nil
		}
		return err
	}
	fmt.Println()
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// tailLines returns the last n lines of a file.
func tailLines(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
