package domain

const (
	SchemaDAPV1        = "dap.v1"
	SchemaHTI1V1       = "hti1.v1"
	SchemaSignaturesV1 = "signatures.v1"
)

type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ValidationResult struct {
	SchemaID   string      `json:"schema_id"`
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}
