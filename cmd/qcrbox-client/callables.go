package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
)

// registerCallables installs the functions that callable commands in an
// application spec may refer to by callable_name.
func registerCallables(r *execution.CallableRegistry) error {
	regs := []struct {
		name string
		fn   execution.CallableFunc
		sig  []model.ParameterSpec
	}{
		{"add_numbers", addNumbers, []model.ParameterSpec{
			{Name: "a", DType: model.DTypeFloat, Required: true},
			{Name: "b", DType: model.DTypeFloat, Required: true},
		}},
		{"wait_seconds", waitSeconds, []model.ParameterSpec{
			{Name: "seconds", DType: model.DTypeFloat, Required: true},
		}},
		{"summarise_session", summariseSession, []model.ParameterSpec{
			{Name: "note", DType: model.DTypeStr},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.name, reg.fn, reg.sig...); err != nil {
			return err
		}
	}
	return nil
}

func addNumbers(_ context.Context, args map[string]any) (any, error) {
	a, err := number(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := number(args, "b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

// waitSeconds blocks until the duration elapses or the calculation is
// cancelled.
func waitSeconds(ctx context.Context, args map[string]any) (any, error) {
	s, err := number(args, "seconds")
	if err != nil {
		return nil, err
	}
	if s < 0 {
		return nil, fmt.Errorf("seconds must not be negative")
	}
	t := time.NewTimer(time.Duration(s * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func summariseSession(_ context.Context, args map[string]any) (any, error) {
	note, _ := args["note"].(string)
	note = strings.TrimSpace(note)
	if note == "" {
		return "session closed", nil
	}
	return "session closed: " + note, nil
}

// number accepts the numeric forms arguments take after JSON decoding.
func number(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
