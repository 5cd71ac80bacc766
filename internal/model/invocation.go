package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ErrInvalidArguments is returned when invocation arguments do not match
// the declared parameters of a command.
var ErrInvalidArguments = errors.New("model: invalid arguments")

// InvocationRequest asks the registry to run a command. Slug and version
// are optional when the command name is unambiguous.
type InvocationRequest struct {
	ApplicationSlug    string         `json:"application_slug,omitempty"`
	ApplicationVersion string         `json:"application_version,omitempty"`
	CommandName        string         `json:"command_name"`
	Arguments          map[string]any `json:"arguments"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
}

// Validate checks the request shape, not the arguments.
func (r InvocationRequest) Validate() error {
	if strings.TrimSpace(r.CommandName) == "" {
		return fmt.Errorf("command_name is required")
	}
	if r.ApplicationVersion != "" && r.ApplicationSlug == "" {
		return fmt.Errorf("application_version requires application_slug")
	}
	return nil
}

// ValidateArguments checks that args is a subset of the declared
// parameters, covers every required one and has values of the declared type.
func ValidateArguments(cmd CommandSpec, args map[string]any) error {
	common := cmd.Common()
	var unknown []string
	for name := range args {
		if _, ok := common.Parameter(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("%w: command %q does not accept %s", ErrInvalidArguments, common.Name, strings.Join(unknown, ", "))
	}

	var missing []string
	for _, p := range common.Parameters {
		v, ok := args[p.Name]
		if !ok {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if err := checkArgumentType(p, v); err != nil {
			return fmt.Errorf("%w: command %q: %v", ErrInvalidArguments, common.Name, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: command %q is missing required %s", ErrInvalidArguments, common.Name, strings.Join(missing, ", "))
	}
	return nil
}

func checkArgumentType(p ParameterSpec, v any) error {
	if v == nil {
		if p.Required {
			return fmt.Errorf("parameter %q must not be null", p.Name)
		}
		return nil
	}
	ok := false
	switch p.DType {
	case DTypeStr:
		_, ok = v.(string)
	case DTypeBool:
		_, ok = v.(bool)
	case DTypeInt:
		switch n := v.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = n == math.Trunc(n)
		}
	case DTypeFloat:
		switch v.(type) {
		case float64, float32, int, int64:
			ok = true
		}
	default:
		if p.DType.IsFilePath() {
			s, isStr := v.(string)
			ok = isStr && s != ""
		}
	}
	if !ok {
		return fmt.Errorf("parameter %q expects %s, got %T", p.Name, p.DType, v)
	}
	return nil
}

// MergeDefaults returns args with the command's declared defaults filled in
// for parameters the caller omitted.
func MergeDefaults(cmd CommandSpec, args map[string]any) map[string]any {
	out := cmd.Common().DefaultValues()
	for k, v := range args {
		out[k] = v
	}
	return out
}
