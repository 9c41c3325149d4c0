package policyopa

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"equiaudit/internal/domain"
)

const defaultQuery = "data.equiaudit.compliance.deny"

//go:embed policies/*.rego
var builtinPolicies embed.FS

// Engine evaluates compliance rules over export payloads that already
// passed schema validation.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
}

// NewEngine prepares the built-in rules, or the .rego files in dir when dir
// is set.
func NewEngine(ctx context.Context, dir string) (*Engine, error) {
	var fsys fs.FS
	root := "."
	if dir != "" {
		fsys = os.DirFS(dir)
	} else {
		fsys = builtinPolicies
		root = "policies"
	}
	modules, err := readModules(fsys, root)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, errors.New("no compliance rules found")
	}
	bundleHash, err := ComputeBundleHash(fsys, root)
	if err != nil {
		return nil, err
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	options := []func(*rego.Rego){
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		options = append(options, rego.Module(name, modules[name]))
	}
	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare compliance rules: %w", err)
	}
	return &Engine{query: prepared, bundleHash: bundleHash}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, schemaID string, payload any) ([]domain.Violation, error) {
	if e == nil {
		return nil, errors.New("policy engine is nil")
	}
	doc, err := toDocument(payload)
	if err != nil {
		return nil, err
	}
	input := map[string]any{
		"schema_id": schemaID,
		"payload":   doc,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	var violations []domain.Violation
	if err := json.Unmarshal(encoded, &violations); err != nil {
		return nil, fmt.Errorf("decode compliance result: %w", err)
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Path == violations[j].Path {
			return violations[i].Message < violations[j].Message
		}
		return violations[i].Path < violations[j].Path
	})
	return violations, nil
}

func toDocument(payload any) (any, error) {
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

func readModules(fsys fs.FS, root string) (map[string]string, error) {
	modules := map[string]string{}
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || len(p) < 5 || p[len(p)-5:] != ".rego" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		modules[p] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read compliance rules: %w", err)
	}
	return modules, nil
}
