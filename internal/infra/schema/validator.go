package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"equiaudit/internal/domain"
)

//go:embed schemas/*.json
var builtinFS embed.FS

const baseURL = "https://equiaudit.local/schemas/"

// Validator holds compiled, versioned schema documents keyed by id
// (for example "dap.v1").
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas and, when extraDir is set,
// every <id>.json file in it. A file in extraDir replaces a built-in of the
// same id.
func NewValidator(extraDir string) (*Validator, error) {
	docs := map[string][]byte{}
	if err := loadDir(builtinFS, "schemas", docs); err != nil {
		return nil, err
	}
	if extraDir != "" {
		if err := loadDir(os.DirFS(extraDir), ".", docs); err != nil {
			return nil, fmt.Errorf("load schema dir %s: %w", extraDir, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(docs))}
	for id, doc := range docs {
		if err := v.Register(id, doc); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) Register(id string, doc []byte) error {
	if id == "" {
		return errors.New("schema id is required")
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := baseURL + id + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("add schema %s: %w", id, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", id, err)
	}
	v.mu.Lock()
	v.schemas[id] = compiled
	v.mu.Unlock()
	return nil
}

func (v *Validator) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks payload against the schema registered under schemaID and
// reports every violation. The payload is re-encoded, never modified.
func (v *Validator) Validate(payload any, schemaID string) (domain.ValidationResult, error) {
	v.mu.RLock()
	compiled, ok := v.schemas[schemaID]
	v.mu.RUnlock()
	if !ok {
		return domain.ValidationResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownSchema, schemaID)
	}
	doc, err := normalize(payload)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	result := domain.ValidationResult{SchemaID: schemaID, OK: true}
	err = compiled.Validate(doc)
	if err == nil {
		return result, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return domain.ValidationResult{}, fmt.Errorf("validate %s: %w", schemaID, err)
	}
	result.OK = false
	result.Violations = collectViolations(verr)
	return result, nil
}

func normalize(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		raw = encoded
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return doc, nil
}

func collectViolations(root *jsonschema.ValidationError) []domain.Violation {
	seen := map[domain.Violation]struct{}{}
	var out []domain.Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		for _, violation := range leafViolations(e) {
			if _, dup := seen[violation]; dup {
				continue
			}
			seen[violation] = struct{}{}
			out = append(out, violation)
		}
	}
	walk(root)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// leafViolations splits multi-property messages so each missing or
// disallowed property gets its own path.
func leafViolations(e *jsonschema.ValidationError) []domain.Violation {
	const (
		missingPrefix = "missing properties: "
		extraPrefix   = "additionalProperties "
		extraSuffix   = " not allowed"
	)
	switch {
	case strings.HasPrefix(e.Message, missingPrefix):
		names := splitQuoted(strings.TrimPrefix(e.Message, missingPrefix))
		out := make([]domain.Violation, 0, len(names))
		for _, name := range names {
			out = append(out, domain.Violation{Path: childPath(e.InstanceLocation, name), Message: "required property is missing"})
		}
		return out
	case strings.HasPrefix(e.Message, extraPrefix) && strings.HasSuffix(e.Message, extraSuffix):
		names := splitQuoted(strings.TrimSuffix(strings.TrimPrefix(e.Message, extraPrefix), extraSuffix))
		out := make([]domain.Violation, 0, len(names))
		for _, name := range names {
			out = append(out, domain.Violation{Path: childPath(e.InstanceLocation, name), Message: "property is not allowed"})
		}
		return out
	default:
		return []domain.Violation{{Path: e.InstanceLocation, Message: e.Message}}
	}
}

func splitQuoted(list string) []string {
	var names []string
	for _, part := range strings.Split(list, ", ") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "'")
		part = strings.TrimSuffix(part, "'")
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

func childPath(parent, name string) string {
	name = strings.ReplaceAll(name, "~", "~0")
	name = strings.ReplaceAll(name, "/", "~1")
	return parent + "/" + name
}

func loadDir(fsys fs.FS, dir string, docs map[string][]byte) error {
	names, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(dir, "*.json")))
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(filepath.Base(name), ".json")
		docs[id] = data
	}
	return nil
}
