// Package cli implements reportctl, a command line client for the report service.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"MarketResearch/sdk/go/marketresearch"
)

// EnvServerURL overrides the default API address.
const EnvServerURL = "MARKET_RESEARCH_URL"

const defaultServerURL = "http://localhost:8080"

type globalOptions struct {
	server  string
	timeout time.Duration
}

func (o *globalOptions) client() (*marketresearch.Client, error) {
	return marketresearch.NewClient(o.server, nil)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "reportctl",
		Short:        "Generate and fetch market research reports",
		SilenceUsage: true,
	}

	server := os.Getenv(EnvServerURL)
	if server == "" {
		server = defaultServerURL
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, fmt.Sprintf("report service base URL (env %s)", EnvServerURL))
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall timeout for the command")

	cmd.AddCommand(submitCmd(opts), statusCmd(opts), listCmd(opts), historyCmd(opts), downloadCmd(opts))
	return cmd
}
