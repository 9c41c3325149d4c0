package domain

type ExportMeta struct {
	ExportVersion string `json:"export_version"`
	Generator     string `json:"generator"`
}

type ContactInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Method string  `json:"method"`
}

type Subgroup struct {
	Group       GroupKey         `json:"group"`
	EligibleN   int64            `json:"eligible_n"`
	ContactedN  int64            `json:"contacted_n"`
	SelectedN   int64            `json:"selected_n"`
	GoalPct     float64          `json:"goal_pct"`
	GoalSource  string           `json:"goal_source"`
	ActualPct   float64          `json:"actual_pct"`
	ContactRate float64          `json:"contact_rate"`
	ContactCI   *ContactInterval `json:"contact_ci,omitempty"`
}

type Totals struct {
	Records   int64 `json:"records"`
	Eligible  int64 `json:"eligible"`
	Contacted int64 `json:"contacted"`
	Selected  int64 `json:"selected"`
}

type GoalDerivation struct {
	Method         string `json:"method"`
	DerivedGroups  int    `json:"derived_groups"`
	SuppliedGroups int    `json:"supplied_groups"`
	Note           string `json:"note"`
}

type DAPPayload struct {
	SchemaVersion  string         `json:"schema_version"`
	StudyID        string         `json:"study_id"`
	DataCut        string         `json:"data_cut"`
	Subgroups      []Subgroup     `json:"subgroups"`
	Totals         Totals         `json:"totals"`
	GoalDerivation GoalDerivation `json:"goal_derivation"`
	Milestones     []string       `json:"milestones"`
	Signatures     []Signer       `json:"signatures"`
	Meta           ExportMeta     `json:"_meta"`
}

type IRM struct {
	Risks       []string `json:"risks"`
	Mitigations []string `json:"mitigations"`
	Monitoring  string   `json:"monitoring"`
}

type HTI1Payload struct {
	SchemaVersion string     `json:"schema_version"`
	ArtifactID    string     `json:"artifact_id"`
	Version       string     `json:"version"`
	StudyID       string     `json:"study_id"`
	DataCut       string     `json:"data_cut"`
	IntendedUse   string     `json:"intended_use"`
	Inputs        []string   `json:"inputs"`
	LogicSummary  string     `json:"logic_summary"`
	Performance   []string   `json:"performance"`
	Limitations   []string   `json:"limitations"`
	IRM           IRM        `json:"irm"`
	Meta          ExportMeta `json:"_meta"`
}

type SignatureManifestPayload struct {
	SchemaVersion string     `json:"schema_version"`
	StudyID       string     `json:"study_id"`
	DataCut       string     `json:"data_cut"`
	Signers       []Signer   `json:"signers"`
	Meta          ExportMeta `json:"_meta"`
}
