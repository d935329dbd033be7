package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wakala/batchpay/internal/api"
	"github.com/wakala/batchpay/internal/chargeback"
	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/repository"
	"github.com/wakala/batchpay/internal/submission"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "batchpay",
		Short:        "Batch payment submission and chargeback linkage",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./batchpay.yaml)")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(ingestCmd(&cfgPath))
	rootCmd.AddCommand(submitCmd(&cfgPath))
	rootCmd.AddCommand(syncCmd(&cfgPath))
	rootCmd.AddCommand(reportCmd(&cfgPath))
	rootCmd.AddCommand(exportCmd(&cfgPath))
	return rootCmd
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			gw, err := a.gateway()
			if err != nil {
				return err
			}

			router := api.NewRouter(api.Deps{
				Uploads:      a.uploads,
				Reconciled:   a.reconciled,
				Ingestion:    a.ingestion,
				Orchestrator: a.orchestrator(gw),
				Linker:       a.linker,
				Sync:         a.syncService(gw),
				IBANs:        a.mapper,
				Delimiter:    a.cfg.Delimiter(),
			})

			port := a.cfg.Server.Port
			srv := &http.Server{Addr: ":" + port, Handler: router}

			log.Printf("Batch payment service")
			log.Printf("Listening on http://localhost:%s", port)
			log.Printf("API base: http://localhost:%s/api/v1", port)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Printf("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func ingestCmd(cfgPath *string) *cobra.Command {
	var orgs []string
	cmd := &cobra.Command{
		Use:   "ingest [file.csv]",
		Short: "Create an upload from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.ingestion.CreateFromCSV(cmd.Context(), data, orgs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d records\n", u.ID, len(u.Records))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "organization tags")
	return cmd
}

func submitCmd(cfgPath *string) *cobra.Command {
	var (
		mode   string
		rows   []int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "submit [upload-id]",
		Short: "Submit the pending rows of an upload to the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var gw gateway.Gateway = offlineGateway{}
			if !dryRun {
				client, err := a.gateway()
				if err != nil {
					return err
				}
				gw = client
			}

			summary, runErr := a.orchestrator(gw).RunUpload(cmd.Context(), args[0], submission.Options{
				Mode:    submission.Mode(mode),
				Indices: rows,
				DryRun:  dryRun,
			})
			if summary != nil {
				if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(submission.ModeBulk), "bulk or strict")
	cmd.Flags().IntSliceVar(&rows, "rows", nil, "restrict to these row indices")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and preview without contacting the gateway")
	return cmd
}

func syncCmd(cfgPath *string) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh reconciled transactions and chargebacks from the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end := time.Now().UTC()
			if to != "" {
				if end, err = time.Parse("2006-01-02", to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}

			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			gw, err := a.gateway()
			if err != nil {
				return err
			}
			res, err := a.syncService(gw).Sync(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func reportCmd(cfgPath *string) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the chargeback report per upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			uploads, err := a.uploads.List(cmd.Context(), repository.UploadFilter{OrgTag: org})
			if err != nil {
				return err
			}
			rep, err := a.linker.Report(cmd.Context(), uploads)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "restrict to uploads carrying this tag")
	return cmd
}

func exportCmd(cfgPath *string) *cobra.Command {
	var kind, out string
	cmd := &cobra.Command{
		Use:   "export [upload-id]",
		Short: "Export the chargebacked or clean records of an upload as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := chargeback.ParseSelector(kind)
			if err != nil {
				return err
			}
			a, err := newApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.uploads.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := a.linker.Export(cmd.Context(), w, u, sel, a.cfg.Delimiter())
			if err != nil {
				return err
			}
			log.Printf("Exported %d records", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", string(chargeback.SelectChargebacks), "chargebacks or clean")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
