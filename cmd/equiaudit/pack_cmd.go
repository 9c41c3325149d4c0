package main

import (
	"github.com/spf13/cobra"

	"equiaudit/internal/infra/bundles"
	"equiaudit/internal/infra/manifest"
	"equiaudit/internal/usecase"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Work with sealed AuditPacks",
}

// pack verify needs no ledger or config: the pack carries its own manifest
// and ledger snapshot.
var packVerifyCmd = &cobra.Command{
	Use:   "verify <AuditPack.zip>",
	Short: "Re-hash every artifact and replay the bundled ledger chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verifier := &usecase.PackVerifier{
			Packs:     bundles.NewStore(),
			Manifests: manifest.NewBuilder(nil),
		}
		result, err := verifier.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		return usecase.PackVerificationErr(result)
	},
}

func init() {
	packCmd.AddCommand(packVerifyCmd)
}
