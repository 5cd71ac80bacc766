package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/model"
)

const demoYAML = `
name: Demo application
slug: demo
version: "0.1.0"
gui_url: http://localhost:12001
cif_entry_sets:
  - name: cell
    required: [_cell_length_a, _cell_length_b, _cell_length_c]
commands:
  - name: count_to_10
    implemented_as: cli_command
    call_pattern: "seq 1 10"
    parameters: []
  - name: greet_and_sleep
    implemented_as: python_callable
    parameters:
      - name: name
        dtype: str
      - name: duration
        dtype: float
        default_value: 1.0
  - name: refine
    implemented_as: cli_command
    call_pattern: "refine {input_cif}"
    parameters:
      - name: input_cif
        dtype: QCrBox.input_cif
        required_entry_sets: [cell]
  - name: gui
    implemented_as: interactive
    parameters: []
    interactive_lifecycle:
      run:
        implemented_as: cli_command
        call_pattern: "sleep 1000"
        parameters: []
`

const demoTOML = `
name = "Demo application"
slug = "demo"
version = "0.1.0"

[[commands]]
name = "count_to_10"
implemented_as = "cli_command"
call_pattern = "seq 1 10"
parameters = []
`

func TestDecodeApplicationSpec_YAML(t *testing.T) {
	spec, err := model.DecodeApplicationSpec([]byte(demoYAML), model.FormatYAML)
	require.NoError(t, err)

	warnings, err := spec.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "demo.0_1_0", spec.Key())
	require.Len(t, spec.Commands, 4)
	assert.Equal(t, model.ImplementedAsCallable, spec.Commands[1].Kind())

	greet := spec.Commands[1].Common()
	name, _ := greet.Parameter("name")
	assert.True(t, name.Required)
	duration, _ := greet.Parameter("duration")
	assert.False(t, duration.Required)

	run, ok := spec.Command("gui__interactive_run")
	require.True(t, ok, "interactive steps are registered as commands")
	assert.Equal(t, model.ImplementedAsCLI, run.Kind())
}

func TestDecodeApplicationSpec_TOML(t *testing.T) {
	spec, err := model.DecodeApplicationSpec([]byte(demoTOML), model.FormatTOML)
	require.NoError(t, err)
	_, err = spec.Validate()
	require.NoError(t, err)
	require.Len(t, spec.Commands, 1)
	assert.Equal(t, "count_to_10", spec.Commands[0].CommandName())
}

func TestLoadApplicationSpec_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoYAML), 0o600))

	spec, _, err := model.LoadApplicationSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", spec.Slug)

	_, _, err = model.LoadApplicationSpec(filepath.Join(t.TempDir(), "demo.ini"))
	assert.Error(t, err)
}

func TestApplicationSpec_ValidateErrors(t *testing.T) {
	cmd := func(name string) model.CommandSpec {
		return &model.CLICommandSpec{CommandCommon: model.CommandCommon{Name: name}, CallPattern: "true"}
	}

	_, err := (&model.ApplicationSpec{Version: "1"}).Validate()
	assert.ErrorIs(t, err, model.ErrInvalidSpec)

	_, err = (&model.ApplicationSpec{Slug: "a", Version: "1", Commands: model.CommandList{cmd("x"), cmd("x")}}).Validate()
	require.ErrorIs(t, err, model.ErrInvalidSpec)
	assert.Contains(t, err.Error(), "duplicate")

	unknownSet := &model.ApplicationSpec{Slug: "a", Version: "1", Commands: model.CommandList{
		&model.CLICommandSpec{
			CommandCommon: model.CommandCommon{Name: "x", Parameters: []model.ParameterSpec{{
				Name: "in", DType: model.DTypeInputCIF, Required: true,
				Cif: &model.CifConstraints{RequiredEntrySets: []string{"missing"}},
			}}},
			CallPattern: "tool {in}",
		},
	}}
	_, err = unknownSet.Validate()
	require.ErrorIs(t, err, model.ErrInvalidSpec)
	assert.Contains(t, err.Error(), "missing")
}

func TestApplicationSpec_SlugAndVersionCharacters(t *testing.T) {
	valid := map[string][2]string{
		"plain":        {"counter", "0.1.0"},
		"underscore":   {"counter_fork", "2"},
		"dash":         {"counter-toml", "1.0-rc1"},
		"word version": {"viewer", "v1"},
	}
	for name, sv := range valid {
		t.Run(name, func(t *testing.T) {
			_, err := (&model.ApplicationSpec{Slug: sv[0], Version: sv[1]}).Validate()
			assert.NoError(t, err)
		})
	}

	invalid := map[string][2]string{
		"build metadata":        {"counter", "1.0+build"},
		"underscore in version": {"counter", "1_0"},
		"dot in slug":           {"qcr.box", "1"},
		"space in slug":         {"my app", "1"},
		"wildcard":              {"counter", "*"},
		"leading dot":           {"counter", ".1"},
		"trailing dot":          {"counter", "1."},
	}
	for name, sv := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := (&model.ApplicationSpec{Slug: sv[0], Version: sv[1]}).Validate()
			assert.ErrorIs(t, err, model.ErrInvalidSpec)
		})
	}

	a := &model.ApplicationSpec{Slug: "counter", Version: "1.0"}
	b := &model.ApplicationSpec{Slug: "counter", Version: "1-0"}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestValidateArguments(t *testing.T) {
	cmd := &model.CLICommandSpec{
		CommandCommon: model.CommandCommon{Name: "run", Parameters: []model.ParameterSpec{
			{Name: "a", DType: model.DTypeStr, Required: true},
			{Name: "n", DType: model.DTypeInt, Default: &model.Default{Value: float64(3)}},
		}},
		CallPattern: "tool {a} {n}",
	}

	assert.NoError(t, model.ValidateArguments(cmd, map[string]any{"a": "x"}))
	assert.NoError(t, model.ValidateArguments(cmd, map[string]any{"a": "x", "n": float64(4)}))
	assert.ErrorIs(t, model.ValidateArguments(cmd, map[string]any{}), model.ErrInvalidArguments)
	assert.ErrorIs(t, model.ValidateArguments(cmd, map[string]any{"a": "x", "z": 1}), model.ErrInvalidArguments)
	assert.ErrorIs(t, model.ValidateArguments(cmd, map[string]any{"a": "x", "n": 1.5}), model.ErrInvalidArguments)

	merged := model.MergeDefaults(cmd, map[string]any{"a": "x"})
	assert.Equal(t, map[string]any{"a": "x", "n": float64(3)}, merged)
}

func TestIDsAndSubjects(t *testing.T) {
	id := model.NewCalculationID()
	assert.True(t, model.IsCalculationID(id))
	assert.False(t, model.IsCalculationID("qcrbox_calc_0xzz"))
	assert.NotEqual(t, id, model.NewCalculationID())

	assert.Equal(t, "my_app", model.SanitizeSubjectToken("my app"))
	assert.Equal(t, "1_2_3", model.SanitizeSubjectToken("1.2.3"))
	assert.Equal(t, "a_b_", model.SanitizeSubjectToken("a*b>"))
}

func TestClientStatusTransitions(t *testing.T) {
	assert.True(t, model.ClientIdle.CanTransition(model.ClientPending))
	assert.True(t, model.ClientPending.CanTransition(model.ClientBusy))
	assert.True(t, model.ClientBusy.CanTransition(model.ClientIdle))
	assert.True(t, model.ClientBusy.CanTransition(model.ClientInternalError))
	assert.False(t, model.ClientIdle.CanTransition(model.ClientBusy))
	assert.False(t, model.ClientBusy.CanTransition(model.ClientPending))
}

func TestCalculationStatusRank(t *testing.T) {
	assert.Less(t, model.StatusSubmitted.Rank(), model.StatusCheckingClientAvailability.Rank())
	assert.Less(t, model.StatusCheckingClientAvailability.Rank(), model.StatusRunning.Rank())
	assert.Less(t, model.StatusRunning.Rank(), model.StatusCompleted.Rank())
	assert.Equal(t, model.StatusCompleted.Rank(), model.StatusFailed.Rank())
	assert.Equal(t, model.StatusFailed.Rank(), model.StatusCancelled.Rank())
	assert.Zero(t, model.StatusUnknown.Rank())
	for _, s := range []model.CalculationStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
}
