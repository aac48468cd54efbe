package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"splitbuy/internal/api"
	"splitbuy/internal/domain"
	"splitbuy/internal/util"
)

var ledgerRemote string

var ledgerCmd = &cobra.Command{
	Use:   "ledger [TICKER]",
	Short: "Show the ingestion ledger",
	Long: `Print the ingestion ledger: for each ticker the first and last stored
dates, the records written by the last run and in total, and the status of
the last run. With --remote the ledger is read from a running server over
gRPC and printed as JSON.

Examples:
  splitbuy ledger
  splitbuy ledger AAPL
  splitbuy ledger --remote localhost:9090`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedger,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.Flags().StringVar(&ledgerRemote, "remote", "", "gRPC address of a running splitbuy server")
}

func runLedger(cmd *cobra.Command, args []string) error {
	if ledgerRemote != "" {
		return remoteLedger(cmd, args)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	var entries []domain.LedgerEntry
	if len(args) == 1 {
		ticker := strings.ToUpper(args[0])
		e, ok, err := a.db.Get(ctx, ticker)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", ticker, domain.ErrTickerNotFound)
		}
		entries = append(entries, e)
	} else {
		if entries, err = a.db.List(ctx); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tFIRST\tLAST\tLAST RUN\tTOTAL\tSTATUS\tUPDATED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.Ticker, util.FormatDay(e.FirstDate), util.FormatDay(e.LastDate),
			e.RecordsWritten, e.TotalRecords, e.Status,
			e.UpdatedAt.Local().Format(time.DateTime), e.Reason)
	}
	return tw.Flush()
}

func remoteLedger(cmd *cobra.Command, args []string) error {
	conn, err := grpc.NewClient(ledgerRemote,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", ledgerRemote, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := api.NewReportClient(conn)
	var out *structpb.Struct
	if len(args) == 1 {
		out, err = client.GetLedger(ctx, args[0])
	} else {
		out, err = client.ListLedger(ctx)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out.AsMap())
}
