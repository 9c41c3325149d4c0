package policyopa

import "github.com/open-policy-agent/opa/ast"

// allowedBuiltins is the closed set of functions and operators compliance
// rules may call. Anything touching the network, clock or randomness is
// excluded so evaluation stays deterministic.
var allowedBuiltins = map[string]struct{}{
	"abs":               {},
	"assign":            {},
	"count":             {},
	"div":               {},
	"eq":                {},
	"equal":             {},
	"gt":                {},
	"gte":               {},
	"internal.member_2": {},
	"internal.member_3": {},
	"lt":                {},
	"lte":               {},
	"max":               {},
	"min":               {},
	"minus":             {},
	"mul":               {},
	"neq":               {},
	"object.get":        {},
	"plus":              {},
	"round":             {},
	"sprintf":           {},
	"sum":               {},
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(builtins))
	for _, builtin := range builtins {
		if _, ok := allowedBuiltins[builtin.Name]; !ok {
			continue
		}
		allowed = append(allowed, builtin)
	}
	return allowed
}
