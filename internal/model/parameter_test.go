package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/model"
)

func decodeParam(t *testing.T, raw string) model.ParameterSpec {
	t.Helper()
	var p model.ParameterSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestParameterSpec_DefaultSentinels(t *testing.T) {
	absent := decodeParam(t, `{"name":"a","dtype":"str"}`)
	assert.False(t, absent.HasDefault())
	assert.True(t, absent.Required)

	legacy := decodeParam(t, `{"name":"a","dtype":"str","default_value":"<undefined>"}`)
	assert.False(t, legacy.HasDefault())
	assert.True(t, legacy.Required)

	explicitNull := decodeParam(t, `{"name":"a","dtype":"str","default_value":null}`)
	require.True(t, explicitNull.HasDefault())
	assert.Nil(t, explicitNull.Default.Value)
	assert.False(t, explicitNull.Required)

	withValue := decodeParam(t, `{"name":"n","dtype":"int","default_value":10}`)
	require.True(t, withValue.HasDefault())
	assert.Equal(t, float64(10), withValue.Default.Value)
}

func TestParameterSpec_MarshalKeepsExplicitNull(t *testing.T) {
	p := model.ParameterSpec{Name: "a", DType: model.DTypeStr, Default: &model.Default{}}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"default_value":null`)

	p.Default = nil
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "default_value")
}

func TestParameterSpec_CifConstraintsOnlyForCifDTypes(t *testing.T) {
	cif := decodeParam(t, `{
		"name": "input_cif",
		"dtype": "QCrBox.input_cif",
		"required_entries": ["_cell_length_a", {"one_of": ["_atom_site_label", "_atom_site_type_symbol"]}],
		"merge_su": true
	}`)
	require.NotNil(t, cif.Cif)
	require.Len(t, cif.Cif.RequiredEntries, 2)
	assert.Equal(t, "_cell_length_a", cif.Cif.RequiredEntries[0].Name)
	assert.Equal(t, []string{"_atom_site_label", "_atom_site_type_symbol"}, cif.Cif.RequiredEntries[1].OneOf)
	assert.True(t, cif.Cif.MergeSU)

	plain := decodeParam(t, `{"name":"x","dtype":"str","merge_su":true}`)
	assert.Nil(t, plain.Cif)
}

func TestParameterSpec_Validate(t *testing.T) {
	assert.Error(t, model.ParameterSpec{DType: model.DTypeStr}.Validate())
	assert.Error(t, model.ParameterSpec{Name: "a", DType: "complex"}.Validate())

	p := model.ParameterSpec{
		Name:  "in",
		DType: model.DTypeInputCIF,
		Cif:   &model.CifConstraints{OutputBlock: 2},
	}
	assert.Error(t, p.Validate(), "output_block belongs to output_cif only")

	p.DType = model.DTypeOutputCIF
	assert.NoError(t, p.Validate())
}

func TestCifEntry_RejectsEmptyOneOf(t *testing.T) {
	var e model.CifEntry
	assert.Error(t, json.Unmarshal([]byte(`{"one_of":[]}`), &e))
	assert.Error(t, json.Unmarshal([]byte(`{"any_of":["a"]}`), &e))
}
