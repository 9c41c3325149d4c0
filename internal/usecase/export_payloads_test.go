package usecase

import (
	"errors"
	"testing"

	"equiaudit/internal/domain"
	"equiaudit/internal/infra/stats"
)

func TestAgeBand(t *testing.T) {
	cases := map[string]string{
		"0":      "0-17",
		"17.9":   "0-17",
		"18":     "18-44",
		"44":     "18-44",
		"45":     "45-64",
		"64.99":  "45-64",
		"65":     "65+",
		"101":    "65+",
		" 30 ":   "18-44",
		"":       "Unknown",
		"n/a":    "Unknown",
		"NaN":    "Unknown",
		"150":    "65+",
		"151":    "Unknown",
		"1e300":  "Unknown",
		"-1":     "Unknown",
		"-1e300": "Unknown",
		"+Inf":   "Unknown",
	}
	for raw, want := range cases {
		if got := AgeBand(raw); got != want {
			t.Fatalf("AgeBand(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestBinarize(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"1", 1, true},
		{"Yes", 1, true},
		{"T", 1, true},
		{"no", 0, true},
		{"false", 0, true},
		{"2", 1, true},
		{"0.5", 0, true},
		{"-3", 0, true},
		{"maybe", 0, false},
		{"1e30", 0, false},
		{"-1e30", 0, false},
		{"Inf", 0, false},
		{"9007199254740992", 1, true},
	}
	for _, tc := range cases {
		got, ok := Binarize(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Binarize(%q) = (%d, %v), want (%d, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func goalDataset() domain.CanonicalDataset {
	dataset := testDataset()
	dataset.Columns = append(dataset.Columns, domain.ColumnGoalPct)
	dataset.Rows[2][domain.ColumnGoalPct] = "0.3"
	dataset.Rows[3][domain.ColumnGoalPct] = "0.2"
	return dataset
}

func TestSummarize_GoalPrecedence(t *testing.T) {
	requested := domain.GroupKey{Race: "A", Ethnicity: "E", Sex: "F", AgeBand: "18-44"}
	absent := domain.GroupKey{Race: "C", Ethnicity: "E", Sex: "F", AgeBand: "0-17"}
	summary, err := summarize(goalDataset(), []domain.GoalSpec{
		{Group: requested, Pct: 0.4},
		{Group: absent, Pct: 0.1},
	}, stats.NewWilson())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	bySource := map[domain.GroupKey]domain.Subgroup{}
	for _, sub := range summary.Subgroups {
		bySource[sub.Group] = sub
	}
	if sub := bySource[requested]; sub.GoalPct != 0.4 || sub.GoalSource != domain.GoalSourceSupplied {
		t.Fatalf("request goal not applied: %+v", sub)
	}
	if sub := bySource[domain.GroupKey{Race: "B", Ethnicity: "E", Sex: "M", AgeBand: "45-64"}]; sub.GoalPct != 0.3 || sub.GoalSource != domain.GoalSourceSupplied {
		t.Fatalf("column goal not applied: %+v", sub)
	}
	unknown := bySource[domain.GroupKey{Race: "Unknown", Ethnicity: "Unknown", Sex: "F", AgeBand: "Unknown"}]
	if unknown.GoalSource != domain.GoalSourceDerived || unknown.GoalPct != unknown.ActualPct {
		t.Fatalf("expected derived goal, got %+v", unknown)
	}
	zero, ok := bySource[absent]
	if !ok || zero.EligibleN != 0 || zero.ContactCI != nil {
		t.Fatalf("expected zero-count subgroup without interval, got %+v", zero)
	}
	if summary.Derivation.SuppliedGroups != 4 || summary.Derivation.DerivedGroups != 1 {
		t.Fatalf("unexpected derivation %+v", summary.Derivation)
	}
}

func TestSummarize_ConflictingGoalColumn(t *testing.T) {
	dataset := goalDataset()
	dataset.Rows[0][domain.ColumnGoalPct] = "0.4"
	dataset.Rows[1][domain.ColumnGoalPct] = "0.5"
	_, err := summarize(dataset, nil, nil)
	if !errors.Is(err, domain.ErrInvalidCanonicalValue) {
		t.Fatalf("expected invalid canonical value, got %v", err)
	}
}

func TestSummarize_EmptySelectionUsesUnitDenominator(t *testing.T) {
	dataset := testDataset()
	for _, row := range dataset.Rows {
		row[domain.ColumnSelected] = "0"
	}
	summary, err := summarize(dataset, nil, nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	for _, sub := range summary.Subgroups {
		if sub.ActualPct != 0 || sub.GoalPct != 0 || sub.ContactCI != nil {
			t.Fatalf("unexpected subgroup %+v", sub)
		}
	}
}

func TestBuildHTI1_DefaultsAndOverrides(t *testing.T) {
	meta := exportMeta("")
	card := buildHTI1(ExportRequest{StudyID: "S-1", DataCut: "c"}, meta)
	if card.SchemaVersion != HTI1SchemaVersion || card.Version != DefaultExportVersion {
		t.Fatalf("unexpected defaults %+v", card)
	}
	if len(card.Inputs) != len(domain.RequiredCanonicalColumns) || len(card.Limitations) != 1 {
		t.Fatalf("unexpected default lists %+v", card)
	}

	override := buildHTI1(ExportRequest{
		StudyID: "S-1",
		DataCut: "c",
		Card:    &domain.CardDescriptor{IntendedUse: "site feasibility", Limitations: []string{}},
	}, meta)
	if override.IntendedUse != "site feasibility" || len(override.Limitations) != 0 {
		t.Fatalf("override not applied: %+v", override)
	}
	if override.ArtifactID != card.ArtifactID {
		t.Fatal("unset fields must keep defaults")
	}
}
