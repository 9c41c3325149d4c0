package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"equiaudit/internal/domain"
	"equiaudit/internal/infra/canonical"
	"equiaudit/internal/usecase"
)

var (
	exportStudy            string
	exportDataCut          string
	exportCSV              string
	exportKinds            []string
	exportGoals            string
	exportCard             string
	exportSigners          string
	exportMilestones       []string
	exportActor            string
	exportOut              string
	exportIncludeCanonical bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build, validate and seal an AuditPack from a canonical CSV",
	Long: `export reads a canonical enrollment CSV, builds the requested payloads,
validates them against their schemas and compliance rules, records every
step in the ledger and seals an AuditPack zip into the output directory.

  equiaudit export --study S-1 --data-cut 2026Q1 --from-csv canonical.csv \
    --kinds dap,hti1,signatures --signers signers.yaml`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportStudy, "study", "", "study identifier")
	exportCmd.Flags().StringVar(&exportDataCut, "data-cut", "", "data cut label used in the archive name")
	exportCmd.Flags().StringVar(&exportCSV, "from-csv", "", "canonical CSV input")
	exportCmd.Flags().StringSliceVar(&exportKinds, "kinds", []string{"dap", "hti1"}, "payload kinds: dap, hti1, signatures")
	exportCmd.Flags().StringVar(&exportGoals, "goals", "", "YAML list of subgroup goals")
	exportCmd.Flags().StringVar(&exportCard, "card", "", "YAML transparency card descriptor")
	exportCmd.Flags().StringVar(&exportSigners, "signers", "", "YAML list of signers")
	exportCmd.Flags().StringSliceVar(&exportMilestones, "milestones", nil, "milestones recorded in the DAP payload")
	exportCmd.Flags().StringVar(&exportActor, "actor", "", "actor recorded on ledger events (default system)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output directory (overrides OUTPUT_DIR)")
	exportCmd.Flags().BoolVar(&exportIncludeCanonical, "include-canonical", false, "seal a copy of the canonical CSV into the pack")
	_ = exportCmd.MarkFlagRequired("study")
	_ = exportCmd.MarkFlagRequired("data-cut")
	_ = exportCmd.MarkFlagRequired("from-csv")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}

	kinds := make([]domain.ExportKind, 0, len(exportKinds))
	for _, raw := range exportKinds {
		kind, ok := domain.ParseExportKind(strings.TrimSpace(raw))
		if !ok {
			return fmt.Errorf("unknown export kind %q", raw)
		}
		kinds = append(kinds, kind)
	}

	dataset, raw, err := canonical.ReadFile(exportCSV)
	if err != nil {
		return err
	}
	req := usecase.ExportRequest{
		StudyID:    exportStudy,
		DataCut:    exportDataCut,
		Actor:      exportActor,
		Kinds:      kinds,
		Input:      dataset,
		Milestones: exportMilestones,
	}
	if exportGoals != "" {
		if err := readYAML(exportGoals, &req.Goals); err != nil {
			return err
		}
	}
	if exportCard != "" {
		var card domain.CardDescriptor
		if err := readYAML(exportCard, &card); err != nil {
			return err
		}
		req.Card = &card
	}
	if exportSigners != "" {
		signers, err := readSigners(exportSigners)
		if err != nil {
			return err
		}
		req.Signers = signers
	}
	if exportIncludeCanonical || a.Config.IncludeCanonicalCopy {
		req.CanonicalCopy = raw
	}
	if exportOut != "" {
		a.Exports.OutputDir = exportOut
	}

	result, err := a.Exports.Execute(ctx, req)
	if err != nil {
		var failed *domain.ValidationFailedError
		if errors.As(err, &failed) && result != nil {
			_ = writeJSON(cmd.OutOrStdout(), result)
		}
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// readSigners accepts either a bare YAML/JSON list of signers or a document
// wrapping it under a "signers" key.
func readSigners(path string) ([]domain.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	var signers []domain.Signer
	switch root := doc.Content[0]; root.Kind {
	case yaml.MappingNode:
		var wrapped struct {
			Signers []domain.Signer `yaml:"signers"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		signers = wrapped.Signers
	default:
		if err := root.Decode(&signers); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return signers, nil
}
