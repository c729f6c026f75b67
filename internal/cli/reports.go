package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"MarketResearch/sdk/go/marketresearch"
)

func submitCmd(opts *globalOptions) *cobra.Command {
	var (
		company  string
		domain   string
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a new report",
		RunE: func(c *cobra.Command, _ []string) error {
			if strings.TrimSpace(company) == "" || strings.TrimSpace(domain) == "" {
				return errors.New("--company and --domain are required")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), opts.timeout)
			defer cancel()

			report, err := client.SubmitReport(ctx, marketresearch.Query{CompanyName: company, Domain: domain})
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "Queued report %s\n", report.ID)
			if !wait {
				return nil
			}

			report, err = client.WaitForReport(ctx, report.ID, interval)
			if err != nil {
				return err
			}
			printReport(out, report)
			if report.Status == marketresearch.StatusFailed {
				return fmt.Errorf("report %s failed", report.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&company, "company", "c", "", "company name")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "market domain")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the report finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval used with --wait")
	return cmd
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), opts.timeout)
			defer cancel()

			report, err := client.GetReport(ctx, args[0])
			if err != nil {
				return err
			}
			printReport(c.OutOrStdout(), report)
			return nil
		},
	}
}

func listCmd(opts *globalOptions) *cobra.Command {
	var (
		statuses []string
		limit    int
		query    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent reports",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), opts.timeout)
			defer cancel()

			reports, err := client.ListReports(ctx, marketresearch.ListOptions{Statuses: statuses, Limit: limit, Query: query})
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			if len(reports) == 0 {
				fmt.Fprintln(out, "(no reports found)")
				return nil
			}
			for _, r := range reports {
				fmt.Fprintf(out, "%s  %-9s  %s / %s\n", r.ID, r.Status, r.Query.CompanyName, r.Query.Domain)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, running, succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports")
	cmd.Flags().StringVarP(&query, "query", "q", "", "match id, company, domain or error text")
	return cmd
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		company string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived reports",
		RunE: func(c *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), opts.timeout)
			defer cancel()

			records, err := client.History(ctx, company, limit)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "(no archived reports)")
				return nil
			}
			for _, r := range records {
				created := time.Unix(r.CreatedAt, 0).UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s  %s  %s (%s)\n", created, r.JobID, r.Title, r.Domain)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&company, "company", "c", "", "only reports for this company")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports")
	return cmd
}

func downloadCmd(opts *globalOptions) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download a finished report",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context(), opts.timeout)
			defer cancel()

			file, err := client.Download(ctx, args[0], format)
			if err != nil {
				return err
			}
			target := output
			if target == "" {
				target = file.Filename
			}
			if target == "" {
				target = args[0] + "." + format
			}
			if info, err := os.Stat(target); err == nil && info.IsDir() {
				target = filepath.Join(target, file.Filename)
			}
			if err := os.WriteFile(target, file.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
			fmt.Fprintf(c.OutOrStdout(), "Saved %s (%d bytes)\n", target, len(file.Data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "docx", "document format: docx, md or html")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (defaults to the server filename)")
	return cmd
}

func printReport(out io.Writer, r marketresearch.Report) {
	fmt.Fprintf(out, "ID:      %s\n", r.ID)
	fmt.Fprintf(out, "Company: %s\n", r.Query.CompanyName)
	fmt.Fprintf(out, "Domain:  %s\n", r.Query.Domain)
	fmt.Fprintf(out, "Status:  %s\n", r.Status)
	switch r.Status {
	case marketresearch.StatusRunning:
		fmt.Fprintf(out, "Step:    %d/%d %s\n", r.Progress.Step, r.Progress.Total, r.Progress.TaskTitle)
	case marketresearch.StatusFailed:
		fmt.Fprintf(out, "Error:   [%s] %s\n", r.ErrorCode, r.LastError)
	case marketresearch.StatusSucceeded:
		if r.Artifact != nil {
			fmt.Fprintf(out, "Title:   %s\n", r.Artifact.Title)
			fmt.Fprintf(out, "Sources: %d\n", len(r.Artifact.Sources))
		}
	}
}
