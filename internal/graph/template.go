package graph

import (
	"fmt"
	"regexp"

	"github.com/nervehq/nerve/internal/common/errors"
	"github.com/nervehq/nerve/internal/node"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// resolveInput computes a step's input just in time: input_fn wins, then
// string templates are substituted against upstream outputs, then anything
// else passes through unchanged.
func resolveInput(s *Step, upstream map[string]*node.Result) (any, error) {
	if s.InputFn != nil {
		return s.InputFn(upstream), nil
	}
	text, ok := s.Input.(string)
	if !ok {
		return s.Input, nil
	}
	return substitute(text, upstream)
}

// substitute replaces each {step_id} placeholder with the stringified output
// of that step. A placeholder naming a step absent from upstream is an
// error; substitution is the identity on placeholder-free strings.
func substitute(text string, upstream map[string]*node.Result) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		id := match[1 : len(match)-1]
		res, ok := upstream[id]
		if !ok {
			if missing == "" {
				missing = id
			}
			return match
		}
		return fmt.Sprint(res.Output)
	})
	if missing != "" {
		return "", errors.InvalidParams(fmt.Sprintf("input references unknown step %q", missing))
	}
	return out, nil
}
