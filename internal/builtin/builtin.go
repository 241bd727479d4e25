package builtin

import (
	"github.com/rendis/opgraph/internal/expressions"
)

// Deps are the shared collaborators some kinds need.
type Deps struct {
	Expressions *expressions.Set
	Validator   ValueValidator
	HTTP        HTTPConfig
}

// RegisterBuiltins registers every built-in kind in reg.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := []Kind{
		upperKind(),
		reverseKind(),
		echoKind(),
		outputKind(),
		templateKind(),
		countdownKind(),
		collectKind(),
		hashKind(),
		askKind(),
		httpKind(deps.HTTP),
	}
	if deps.Expressions != nil {
		all = append(all, jqKind(deps.Expressions), exprKind(deps.Expressions))
	}
	if deps.Validator != nil {
		all = append(all, validateKind(deps.Validator))
	}

	for _, k := range all {
		if err := reg.Register(k); err != nil {
			return err
		}
	}
	return nil
}
