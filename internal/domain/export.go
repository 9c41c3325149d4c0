package domain

import "time"

type ExportKind string

const (
	ExportKindDAP        ExportKind = "dap"
	ExportKindHTI1       ExportKind = "hti1"
	ExportKindSignatures ExportKind = "signatures"
)

func ParseExportKind(value string) (ExportKind, bool) {
	switch ExportKind(value) {
	case ExportKindDAP, ExportKindHTI1, ExportKindSignatures:
		return ExportKind(value), true
	default:
		return "", false
	}
}

type ExportState string

const (
	ExportStateCollecting ExportState = "collecting"
	ExportStateValidating ExportState = "validating"
	ExportStateSealing    ExportState = "sealing"
	ExportStateSealed     ExportState = "sealed"
	ExportStateFailed     ExportState = "failed"
)

// Canonical input columns produced by the upstream mapping stage.
const (
	ColumnRace      = "race"
	ColumnEthnicity = "ethnicity"
	ColumnSex       = "sex"
	ColumnAge       = "age"
	ColumnEligible  = "eligible"
	ColumnContacted = "contacted"
	ColumnSelected  = "selected"
	ColumnGoalPct   = "goal_pct"
)

var RequiredCanonicalColumns = []string{
	ColumnRace,
	ColumnEthnicity,
	ColumnSex,
	ColumnAge,
	ColumnEligible,
	ColumnContacted,
	ColumnSelected,
}

type CanonicalRow map[string]string

type CanonicalDataset struct {
	Columns []string
	Rows    []CanonicalRow
}

func (d CanonicalDataset) HasColumn(name string) bool {
	for _, col := range d.Columns {
		if col == name {
			return true
		}
	}
	return false
}

type GroupKey struct {
	Race      string `json:"race" yaml:"race"`
	Ethnicity string `json:"ethnicity" yaml:"ethnicity"`
	Sex       string `json:"sex" yaml:"sex"`
	AgeBand   string `json:"age_band" yaml:"age_band"`
}

func (g GroupKey) Less(other GroupKey) bool {
	if g.Race != other.Race {
		return g.Race < other.Race
	}
	if g.Ethnicity != other.Ethnicity {
		return g.Ethnicity < other.Ethnicity
	}
	if g.Sex != other.Sex {
		return g.Sex < other.Sex
	}
	return g.AgeBand < other.AgeBand
}

type GoalSpec struct {
	Group GroupKey `json:"group" yaml:"group"`
	Pct   float64  `json:"goal_pct" yaml:"goal_pct"`
}

const (
	GoalSourceDerived  = "derived"
	GoalSourceSupplied = "supplied"

	GoalMethodSelectedShare = "observed_selected_share"
)

type CardDescriptor struct {
	ArtifactID   string   `json:"artifact_id,omitempty" yaml:"artifact_id"`
	IntendedUse  string   `json:"intended_use,omitempty" yaml:"intended_use"`
	Inputs       []string `json:"inputs,omitempty" yaml:"inputs"`
	LogicSummary string   `json:"logic_summary,omitempty" yaml:"logic_summary"`
	Performance  []string `json:"performance,omitempty" yaml:"performance"`
	Limitations  []string `json:"limitations,omitempty" yaml:"limitations"`
	Risks        []string `json:"risks,omitempty" yaml:"risks"`
	Mitigations  []string `json:"mitigations,omitempty" yaml:"mitigations"`
	Monitoring   string   `json:"monitoring,omitempty" yaml:"monitoring"`
}

type Signer struct {
	Name     string `json:"name" yaml:"name"`
	Role     string `json:"role" yaml:"role"`
	Meaning  string `json:"meaning" yaml:"meaning"`
	SignedAt string `json:"signed_at" yaml:"signed_at"`
}

// ExportRun is the index entry written after a run reaches a terminal state.
type ExportRun struct {
	RunID        string      `json:"run_id"`
	StudyID      string      `json:"study_id"`
	DataCut      string      `json:"data_cut"`
	State        ExportState `json:"state"`
	Kinds        []string    `json:"kinds"`
	ManifestHash string      `json:"manifest_hash,omitempty"`
	ChainHead    string      `json:"chain_head,omitempty"`
	ArchivePath  string      `json:"archive_path,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
