package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wisptools/sweep/pkg/config"
	"github.com/wisptools/sweep/pkg/inventory"
	"github.com/wisptools/sweep/pkg/report"
	"github.com/wisptools/sweep/pkg/scan"
)

var (
	Version = "dev" // Set at build time

	configPath string
	envDir     string
	parallel   int
	retries    int
	threshold  int
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Bulk SSH census of wireless access points",
		Version: Version,
		Long: `sweep - Count associated stations across a fleet of access points

Examples:
  sweep scan
  sweep scan --config ./fleet.toml --output ./census.csv
  sweep scan --parallel 20 --retries 2
  sweep towers`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Inventory file path (default: ~/.sweep/config.toml)")
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "Directory holding the .env credentials file")
	rootCmd.PersistentFlags().IntVarP(&parallel, "parallel", "p", 0, "Concurrent workers (default: 10)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 0, "Session attempts per device (default: 3)")
	rootCmd.PersistentFlags().IntVar(&threshold, "threshold", 0, "Consecutive failures that abort the run (default: 5)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(towersCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if logLevel != "" {
		if lvl, err := logrus.ParseLevel(logLevel); err == nil {
			log.SetLevel(lvl)
		}
	}
	return log
}

// scanCmd runs the fleet census and writes the report.
func scanCmd() *cobra.Command {
	var output string
	var noProgress bool
	var noTimestamp bool

	cmd := &cobra.Command{
		Use:   "scan [OPTIONS]",
		Short: "Scan every device in the inventory and report client counts",
		Example: `  sweep scan
  sweep scan -c ./fleet.toml -o ./census.csv
  sweep scan --parallel 20 --threshold 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			inv, err := inventory.New(configPath)
			if err != nil {
				return err
			}

			creds, err := config.NewLoader(envDir, log).Credentials(inv.Region())
			if err != nil {
				return err
			}

			cfg, err := inv.RunConfig()
			if err != nil {
				return err
			}
			if parallel > 0 {
				cfg.Workers = parallel
			}
			if retries > 0 {
				cfg.Retries = retries
			}
			if threshold > 0 {
				cfg.FailureThreshold = threshold
			}

			tasks, err := inv.Tasks(creds, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Scanning %d devices in region %s...\n", len(tasks), inv.Region())

			showProgress := !noProgress && isatty.IsTerminal(os.Stdout.Fd())
			progress := func(completed int) {
				if showProgress {
					fmt.Printf("\r  %d/%d devices checked\033[K", completed, len(tasks))
				}
			}

			results, runErr := scan.NewDispatcher(log).Run(ctx, tasks, cfg, progress)
			if showProgress {
				fmt.Print("\r\033[K")
			}

			tripped := errors.Is(runErr, scan.ErrFailureThreshold)
			if runErr != nil && !tripped {
				return runErr
			}

			printSummary(results, len(tasks))

			if len(results) > 0 {
				path, err := report.Write(output, results, !noTimestamp)
				if err != nil {
					return err
				}
				fmt.Printf("\nReport written to %s\n", path)
			}

			if tripped {
				return fmt.Errorf("scan aborted: %d of %d devices checked (failure threshold reached)",
					len(results), len(tasks))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "census.csv", "Report file path")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the in-place progress line")
	cmd.Flags().BoolVar(&noTimestamp, "no-timestamp", false, "Do not append a timestamp to the report filename")

	return cmd
}

func printSummary(results []scan.Result, total int) {
	counts := make(map[scan.Status]int)
	clients := 0
	for _, r := range results {
		counts[r.Status]++
		clients += r.Clients
	}

	fmt.Println()
	order := []scan.Status{
		scan.StatusOnline, scan.StatusOffline, scan.StatusTimeout,
		scan.StatusAuthError, scan.StatusExecError, scan.StatusError,
	}
	for _, s := range order {
		if counts[s] > 0 {
			fmt.Printf("  %-10s %d\n", s.String()+":", counts[s])
		}
	}
	fmt.Printf("  %-10s %d\n", "Clients:", clients)
	if len(results) < total {
		fmt.Printf("  %d of %d devices were never checked\n", total-len(results), total)
	}
}

// towersCmd lists the inventory's towers and devices.
func towersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "towers",
		Short: "List towers and device addresses from the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := inventory.New(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Region: %s\n\n", inv.Region())
			for name, addrs := range inv.Towers() {
				fmt.Printf("  [%s]\n", name)
				for _, addr := range addrs {
					fmt.Printf("    - %s\n", addr)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sweep",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sweep version %s\n", Version)
		},
	}
}
