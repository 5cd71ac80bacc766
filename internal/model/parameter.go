package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DType is the declared type of a command parameter.
type DType string

const (
	DTypeStr   DType = "str"
	DTypeInt   DType = "int"
	DTypeFloat DType = "float"
	DTypeBool  DType = "bool"

	DTypeInputCIF   DType = "QCrBox.input_cif"
	DTypeOutputCIF  DType = "QCrBox.output_cif"
	DTypeWorkCIF    DType = "QCrBox.work_cif"
	DTypeInputFile  DType = "QCrBox.input_file"
	DTypeOutputFile DType = "QCrBox.output_file"
	DTypeFolderPath DType = "QCrBox.folder_path"
)

// undefinedDefault is the legacy marker for "no default" used by older
// application spec files.
const undefinedDefault = "<undefined>"

var knownDTypes = map[DType]bool{
	DTypeStr: true, DTypeInt: true, DTypeFloat: true, DTypeBool: true,
	DTypeInputCIF: true, DTypeOutputCIF: true, DTypeWorkCIF: true,
	DTypeInputFile: true, DTypeOutputFile: true, DTypeFolderPath: true,
}

// IsFilePath reports whether the dtype refers to a file or folder on disk.
func (d DType) IsFilePath() bool {
	switch d {
	case DTypeInputCIF, DTypeOutputCIF, DTypeWorkCIF, DTypeInputFile, DTypeOutputFile, DTypeFolderPath:
		return true
	}
	return false
}

// IsCIF reports whether the dtype is one of the CIF file variants.
func (d DType) IsCIF() bool {
	return d == DTypeInputCIF || d == DTypeOutputCIF || d == DTypeWorkCIF
}

// Default holds a parameter default value. A nil *Default means the
// parameter has no default; a non-nil Default with a nil Value is an explicit
// null default.
type Default struct {
	Value any
}

// CifEntry is either a literal entry name or a one-of group.
type CifEntry struct {
	Name  string   `json:"-"`
	OneOf []string `json:"one_of,omitempty"`
}

// MarshalJSON writes a literal entry as a plain string.
func (e CifEntry) MarshalJSON() ([]byte, error) {
	if len(e.OneOf) == 0 {
		return json.Marshal(e.Name)
	}
	return json.Marshal(map[string][]string{"one_of": e.OneOf})
}

// UnmarshalJSON accepts either "entry_name" or {"one_of": [...]}.
func (e *CifEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*e = CifEntry{Name: name}
		return nil
	}
	var group struct {
		OneOf []string `json:"one_of"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&group); err != nil {
		return fmt.Errorf("cif entry must be a string or {one_of: [...]}: %w", err)
	}
	if len(group.OneOf) == 0 {
		return fmt.Errorf("cif entry one_of must not be empty")
	}
	*e = CifEntry{OneOf: group.OneOf}
	return nil
}

// CifEntrySet is a named group of CIF entries a command can require.
type CifEntrySet struct {
	Name     string     `json:"name"`
	Required []CifEntry `json:"required,omitempty"`
	Optional []CifEntry `json:"optional,omitempty"`
}

// Validate checks that the set has a name and at least one entry.
func (s CifEntrySet) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("cif entry set: name is required")
	}
	if len(s.Required) == 0 && len(s.Optional) == 0 {
		return fmt.Errorf("cif entry set %q: at least one of required and optional must be provided", s.Name)
	}
	return nil
}

// CifConstraints are the extra fields carried by CIF file parameters.
type CifConstraints struct {
	RequiredEntries    []CifEntry `json:"required_entries,omitempty"`
	OptionalEntries    []CifEntry `json:"optional_entries,omitempty"`
	RequiredEntrySets  []string   `json:"required_entry_sets,omitempty"`
	OptionalEntrySets  []string   `json:"optional_entry_sets,omitempty"`
	MergeSU            bool       `json:"merge_su,omitempty"`
	CustomCategories   []string   `json:"custom_categories,omitempty"`
	InvalidatedEntries []string   `json:"invalidated_entries,omitempty"`
	OutputBlock        int        `json:"output_block,omitempty"`
}

// ParameterSpec declares one parameter of a command.
type ParameterSpec struct {
	Name        string   `json:"name"`
	DType       DType    `json:"dtype"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Default     *Default `json:"-"`

	// Cif is set only for the CIF file dtypes.
	Cif *CifConstraints `json:"-"`
}

// HasDefault reports whether a default value was declared.
func (p ParameterSpec) HasDefault() bool {
	return p.Default != nil
}

// Validate checks the parameter declaration.
func (p ParameterSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter: name is required")
	}
	if !knownDTypes[p.DType] {
		return fmt.Errorf("parameter %q: unsupported dtype %q", p.Name, p.DType)
	}
	if p.Cif != nil && !p.DType.IsCIF() {
		return fmt.Errorf("parameter %q: cif constraints are only valid for cif dtypes", p.Name)
	}
	if p.DType != DTypeOutputCIF && p.Cif != nil && (len(p.Cif.InvalidatedEntries) > 0 || p.Cif.OutputBlock != 0) {
		return fmt.Errorf("parameter %q: invalidated_entries and output_block are only valid for %s", p.Name, DTypeOutputCIF)
	}
	return nil
}

type parameterWire struct {
	Name        string          `json:"name"`
	DType       DType           `json:"dtype"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default_value,omitempty"`
	*CifConstraints
}

// MarshalJSON omits default_value when no default is declared and writes
// null for an explicit null default.
func (p ParameterSpec) MarshalJSON() ([]byte, error) {
	w := parameterWire{
		Name:           p.Name,
		DType:          p.DType,
		Description:    p.Description,
		Required:       p.Required,
		CifConstraints: p.Cif,
	}
	if p.Default != nil {
		raw, err := json.Marshal(p.Default.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: marshal default: %w", p.Name, err)
		}
		w.Default = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON distinguishes an absent default_value from an explicit null
// and derives Required from the presence of a default.
func (p *ParameterSpec) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var w parameterWire
	w.CifConstraints = &CifConstraints{}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := ParameterSpec{
		Name:        w.Name,
		DType:       w.DType,
		Description: w.Description,
	}
	if raw, ok := fields["default_value"]; ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parameter %q: decode default: %w", w.Name, err)
		}
		if s, isStr := v.(string); !isStr || s != undefinedDefault {
			out.Default = &Default{Value: v}
		}
	}
	out.Required = out.Default == nil

	if out.DType.IsCIF() && !w.CifConstraints.isZero() {
		out.Cif = w.CifConstraints
	}
	*p = out
	return nil
}

func (c *CifConstraints) isZero() bool {
	return c == nil || (len(c.RequiredEntries) == 0 && len(c.OptionalEntries) == 0 &&
		len(c.RequiredEntrySets) == 0 && len(c.OptionalEntrySets) == 0 && !c.MergeSU &&
		len(c.CustomCategories) == 0 && len(c.InvalidatedEntries) == 0 && c.OutputBlock == 0)
}
