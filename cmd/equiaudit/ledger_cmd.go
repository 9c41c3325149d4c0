package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"equiaudit/internal/domain"
	"equiaudit/internal/usecase"
)

var (
	showFrom  int64
	showLimit int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the audit ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every record hash and report the first break",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		result, err := a.Ledger.VerifyChain(cmd.Context())
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Valid {
			seq := int64(-1)
			if result.FirstBreak != nil {
				seq = *result.FirstBreak
			}
			return &domain.ChainBreakError{Sequence: seq, Reason: result.Reason}
		}
		return nil
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print ledger records as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFrom < 0 {
			return fmt.Errorf("--from must not be negative")
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		records, err := a.Ledger.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printed := 0
		for _, record := range records {
			if record.Sequence < showFrom {
				continue
			}
			if showLimit > 0 && printed >= showLimit {
				break
			}
			line, err := usecase.EncodeRecord(record)
			if err != nil {
				return err
			}
			if _, err := out.Write(append(line, '\n')); err != nil {
				return err
			}
			printed++
		}
		return nil
	},
}

func init() {
	ledgerShowCmd.Flags().Int64Var(&showFrom, "from", 0, "first sequence to print")
	ledgerShowCmd.Flags().IntVar(&showLimit, "limit", 0, "maximum records to print (0 prints all)")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
}
