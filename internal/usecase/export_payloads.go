package usecase

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"equiaudit/internal/domain"
)

const (
	ArtifactDAP          = "DAP_Packet_v1.json"
	ArtifactHTI1         = "TransparencyCard_v1.json"
	ArtifactSignatures   = "SignatureManifest_v1.json"
	ArtifactLedger       = "ledger/AuditTrail.jsonl"
	ArtifactCanonicalCSV = "canonical/input.csv"

	HTI1SchemaVersion    = "hti1.card.v1"
	DefaultExportVersion = "1.0.0"
	Generator            = "equiaudit"

	unknownValue = "Unknown"

	goalDerivationNote = "Derived goals equal the observed selected share of each subgroup; they are not externally supplied targets."
)

// Defaults for the HTI-1 transparency card. Any field set on the request's
// CardDescriptor replaces the matching default.
var defaultCard = domain.CardDescriptor{
	ArtifactID:   "EquiEnroll-TransparencyCard",
	IntendedUse:  "Recruitment fairness analytics for clinical trials",
	LogicSummary: "Parity gaps + Wilson CIs; action queues for under-reached groups",
	Performance:  []string{},
	Limitations:  []string{"Small-n instability in rare subgroups"},
	Risks:        []string{"missing race"},
	Mitigations:  []string{"guardrails"},
	Monitoring:   "quarterly fairness check",
}

type kindSpec struct {
	Artifact string
	SchemaID string
	Action   domain.AuditAction
}

var kindSpecs = map[domain.ExportKind]kindSpec{
	domain.ExportKindDAP:        {Artifact: ArtifactDAP, SchemaID: domain.SchemaDAPV1, Action: domain.ActionExportDAP},
	domain.ExportKindHTI1:       {Artifact: ArtifactHTI1, SchemaID: domain.SchemaHTI1V1, Action: domain.ActionExportHTI1},
	domain.ExportKindSignatures: {Artifact: ArtifactSignatures, SchemaID: domain.SchemaSignaturesV1, Action: domain.ActionExportSignatures},
}

const (
	maxAgeYears      = 150
	maxFlagMagnitude = 1 << 53
)

// AgeBand maps a raw age cell to its band. Fractional ages are truncated;
// negative ages and ages past maxAgeYears are Unknown.
func AgeBand(raw string) string {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || value < 0 || value > maxAgeYears {
		return unknownValue
	}
	age := int(value)
	switch {
	case age < 18:
		return "0-17"
	case age < 45:
		return "18-44"
	case age < 65:
		return "45-64"
	default:
		return "65+"
	}
}

// Binarize reads a flag cell. Blank cells count as 0; numeric cells count as
// 1 when their integer part is positive. Numbers past 2^53 in magnitude are
// rejected rather than rounded.
func Binarize(raw string) (int64, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return 0, true
	case "1", "y", "yes", "true", "t":
		return 1, true
	case "0", "n", "no", "false", "f":
		return 0, true
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > maxFlagMagnitude {
		return 0, false
	}
	if math.Trunc(f) > 0 {
		return 1, true
	}
	return 0, true
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func missingColumns(dataset domain.CanonicalDataset) []string {
	var missing []string
	for _, col := range domain.RequiredCanonicalColumns {
		if !dataset.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	return missing
}

func groupValue(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return unknownValue
	}
	return value
}

type groupTally struct {
	eligible  int64
	contacted int64
	selected  int64
	goal      *float64
}

type subgroupSummary struct {
	Subgroups  []domain.Subgroup
	Totals     domain.Totals
	Derivation domain.GoalDerivation
}

// summarize tallies the dataset per group and resolves each group's goal:
// request goals first, then the goal_pct column, else the observed share.
func summarize(dataset domain.CanonicalDataset, goals []domain.GoalSpec, estimator IntervalEstimator) (subgroupSummary, error) {
	if missing := missingColumns(dataset); len(missing) > 0 {
		return subgroupSummary{}, &domain.MissingColumnsError{Columns: missing}
	}
	hasGoalColumn := dataset.HasColumn(domain.ColumnGoalPct)

	tallies := make(map[domain.GroupKey]*groupTally)
	totals := domain.Totals{Records: int64(len(dataset.Rows))}
	for i, row := range dataset.Rows {
		key := domain.GroupKey{
			Race:      groupValue(row[domain.ColumnRace]),
			Ethnicity: groupValue(row[domain.ColumnEthnicity]),
			Sex:       groupValue(row[domain.ColumnSex]),
			AgeBand:   AgeBand(row[domain.ColumnAge]),
		}
		tally := tallies[key]
		if tally == nil {
			tally = &groupTally{}
			tallies[key] = tally
		}
		flags := [3]int64{}
		for j, col := range []string{domain.ColumnEligible, domain.ColumnContacted, domain.ColumnSelected} {
			v, ok := Binarize(row[col])
			if !ok {
				return subgroupSummary{}, fmt.Errorf("%w: row %d column %s value %q", domain.ErrInvalidCanonicalValue, i+1, col, row[col])
			}
			flags[j] = v
		}
		tally.eligible += flags[0]
		tally.contacted += flags[1]
		tally.selected += flags[2]
		totals.Eligible += flags[0]
		totals.Contacted += flags[1]
		totals.Selected += flags[2]

		if !hasGoalColumn {
			continue
		}
		cell := strings.TrimSpace(row[domain.ColumnGoalPct])
		if cell == "" {
			continue
		}
		goal, err := strconv.ParseFloat(cell, 64)
		if err != nil || math.IsNaN(goal) || math.IsInf(goal, 0) {
			return subgroupSummary{}, fmt.Errorf("%w: row %d column %s value %q", domain.ErrInvalidCanonicalValue, i+1, domain.ColumnGoalPct, cell)
		}
		if tally.goal != nil && *tally.goal != goal {
			return subgroupSummary{}, fmt.Errorf("%w: row %d column %s value %q conflicts with %v for the same group", domain.ErrInvalidCanonicalValue, i+1, domain.ColumnGoalPct, cell, *tally.goal)
		}
		tally.goal = &goal
	}

	requested := make(map[domain.GroupKey]struct{}, len(goals))
	for _, spec := range goals {
		if _, ok := requested[spec.Group]; ok {
			return subgroupSummary{}, fmt.Errorf("%w: duplicate goal for group %+v", domain.ErrInvalidRequest, spec.Group)
		}
		requested[spec.Group] = struct{}{}
		tally := tallies[spec.Group]
		if tally == nil {
			tally = &groupTally{}
			tallies[spec.Group] = tally
		}
		goal := spec.Pct
		tally.goal = &goal
	}

	keys := make([]domain.GroupKey, 0, len(tallies))
	for key := range tallies {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	denominator := totals.Selected
	if denominator < 1 {
		denominator = 1
	}
	derivation := domain.GoalDerivation{Method: domain.GoalMethodSelectedShare, Note: goalDerivationNote}
	subgroups := make([]domain.Subgroup, 0, len(keys))
	for _, key := range keys {
		tally := tallies[key]
		eligible := tally.eligible
		if eligible < 1 {
			eligible = 1
		}
		sub := domain.Subgroup{
			Group:       key,
			EligibleN:   tally.eligible,
			ContactedN:  tally.contacted,
			SelectedN:   tally.selected,
			ActualPct:   round6(float64(tally.selected) / float64(denominator)),
			ContactRate: round6(float64(tally.contacted) / float64(eligible)),
		}
		if tally.goal != nil {
			sub.GoalPct = round6(*tally.goal)
			sub.GoalSource = domain.GoalSourceSupplied
			derivation.SuppliedGroups++
		} else {
			sub.GoalPct = sub.ActualPct
			sub.GoalSource = domain.GoalSourceDerived
			derivation.DerivedGroups++
		}
		if estimator != nil {
			if lower, upper, ok := estimator.Interval(tally.contacted, tally.eligible); ok {
				sub.ContactCI = &domain.ContactInterval{
					Lower:  round6(lower),
					Upper:  round6(upper),
					Method: estimator.Method(),
				}
			}
		}
		subgroups = append(subgroups, sub)
	}
	return subgroupSummary{Subgroups: subgroups, Totals: totals, Derivation: derivation}, nil
}

func exportMeta(version string) domain.ExportMeta {
	if version == "" {
		version = DefaultExportVersion
	}
	return domain.ExportMeta{ExportVersion: version, Generator: Generator}
}

func buildDAP(req ExportRequest, summary subgroupSummary, meta domain.ExportMeta) domain.DAPPayload {
	milestones := append([]string{}, req.Milestones...)
	signers := append([]domain.Signer{}, req.Signers...)
	return domain.DAPPayload{
		SchemaVersion:  domain.SchemaDAPV1,
		StudyID:        req.StudyID,
		DataCut:        req.DataCut,
		Subgroups:      summary.Subgroups,
		Totals:         summary.Totals,
		GoalDerivation: summary.Derivation,
		Milestones:     milestones,
		Signatures:     signers,
		Meta:           meta,
	}
}

func buildHTI1(req ExportRequest, meta domain.ExportMeta) domain.HTI1Payload {
	card := defaultCard
	card.Inputs = append([]string{}, domain.RequiredCanonicalColumns...)
	if override := req.Card; override != nil {
		if override.ArtifactID != "" {
			card.ArtifactID = override.ArtifactID
		}
		if override.IntendedUse != "" {
			card.IntendedUse = override.IntendedUse
		}
		if override.Inputs != nil {
			card.Inputs = override.Inputs
		}
		if override.LogicSummary != "" {
			card.LogicSummary = override.LogicSummary
		}
		if override.Performance != nil {
			card.Performance = override.Performance
		}
		if override.Limitations != nil {
			card.Limitations = override.Limitations
		}
		if override.Risks != nil {
			card.Risks = override.Risks
		}
		if override.Mitigations != nil {
			card.Mitigations = override.Mitigations
		}
		if override.Monitoring != "" {
			card.Monitoring = override.Monitoring
		}
	}
	return domain.HTI1Payload{
		SchemaVersion: HTI1SchemaVersion,
		ArtifactID:    card.ArtifactID,
		Version:       meta.ExportVersion,
		StudyID:       req.StudyID,
		DataCut:       req.DataCut,
		IntendedUse:   card.IntendedUse,
		Inputs:        append([]string{}, card.Inputs...),
		LogicSummary:  card.LogicSummary,
		Performance:   append([]string{}, card.Performance...),
		Limitations:   append([]string{}, card.Limitations...),
		IRM: domain.IRM{
			Risks:       append([]string{}, card.Risks...),
			Mitigations: append([]string{}, card.Mitigations...),
			Monitoring:  card.Monitoring,
		},
		Meta: meta,
	}
}

func buildSignatures(req ExportRequest, meta domain.ExportMeta) domain.SignatureManifestPayload {
	return domain.SignatureManifestPayload{
		SchemaVersion: domain.SchemaSignaturesV1,
		StudyID:       req.StudyID,
		DataCut:       req.DataCut,
		Signers:       append([]domain.Signer{}, req.Signers...),
		Meta:          meta,
	}
}
