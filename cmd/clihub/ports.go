package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clihub/internal/ports"
)

var (
	portsJSON    bool
	portsFreePID int
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Inspect and free listening TCP ports",
}

var portsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List listening TCP ports and their owners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		entries := ports.NewReclaimer(cfg.NewLogger()).List(cmd.Context())
		if portsJSON {
			return printJSON(entries)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PORT\tPID\tCOMMAND")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%d\t%s\n", e.Port, e.PID, e.Command)
		}
		return tw.Flush()
	},
}

var portsFreeCmd = &cobra.Command{
	Use:   "free <port>",
	Short: "Terminate the process tree holding a port",
	Long: `Terminate the process tree holding a port.

The owner is looked up with lsof unless --pid is given. The tree receives
SIGTERM, and SIGKILL if it is still alive 1.5s later.

Examples:
  clihub ports free 3000
  clihub ports free 5173 --pid 41210`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		res := ports.NewReclaimer(cfg.NewLogger()).Free(context.WithoutCancel(cmd.Context()), port, portsFreePID)
		if portsJSON {
			return printJSON(res)
		}
		if res.Status == ports.StatusNotFound {
			fmt.Printf("No process is listening on port %d\n", port)
			return nil
		}
		fmt.Printf("Freed port %d (pid %d)\n", res.Port, res.PID)
		return nil
	},
}

func init() {
	portsCmd.PersistentFlags().BoolVar(&portsJSON, "json", false, "Output as JSON")
	portsFreeCmd.Flags().IntVar(&portsFreePID, "pid", 0, "Owner pid (skips the lsof lookup)")

	portsCmd.AddCommand(portsListCmd)
	portsCmd.AddCommand(portsFreeCmd)
	rootCmd.AddCommand(portsCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
