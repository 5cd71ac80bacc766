package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ApplicationSpec describes an application container and the commands it
// can execute. It is immutable once registered.
type ApplicationSpec struct {
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	Version      string        `json:"version"`
	Description  string        `json:"description,omitempty"`
	URL          string        `json:"url,omitempty"`
	Email        string        `json:"email,omitempty"`
	DOI          string        `json:"doi,omitempty"`
	GUIURL       string        `json:"gui_url,omitempty"`
	Commands     CommandList   `json:"commands"`
	CifEntrySets []CifEntrySet `json:"cif_entry_sets,omitempty"`
}

var (
	slugPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9-]+(\.[A-Za-z0-9-]+)*$`)
)

// Key is the identity of the application in the applications KV bucket.
// Validate restricts slugs and versions so that distinct pairs map to
// distinct keys.
func (a *ApplicationSpec) Key() string {
	return SanitizeSubjectToken(a.Slug) + "." + SanitizeSubjectToken(a.Version)
}

// Command returns the top-level or interactive-step command with the given name.
func (a *ApplicationSpec) Command(name string) (CommandSpec, bool) {
	for _, c := range a.AllCommands() {
		if c.CommandName() == name {
			return c, true
		}
	}
	return nil, false
}

// AllCommands returns the declared commands followed by the derived
// interactive step commands, which are registered as ordinary commands too.
func (a *ApplicationSpec) AllCommands() []CommandSpec {
	out := make([]CommandSpec, 0, len(a.Commands))
	out = append(out, a.Commands...)
	for _, c := range a.Commands {
		ic, ok := c.(*InteractiveCommandSpec)
		if !ok {
			continue
		}
		for _, step := range []string{StepPrepare, StepRun, StepFinalise, StepToParams} {
			if s := ic.Steps()[step]; s != nil {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate checks the whole application spec and returns any non-fatal
// warnings collected from the command specs.
func (a *ApplicationSpec) Validate() ([]string, error) {
	if strings.TrimSpace(a.Slug) == "" {
		return nil, fmt.Errorf("%w: application slug is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(a.Version) == "" {
		return nil, fmt.Errorf("%w: application version is required", ErrInvalidSpec)
	}
	if !slugPattern.MatchString(a.Slug) {
		return nil, fmt.Errorf("%w: application slug %q may only contain letters, digits, '_' and '-'", ErrInvalidSpec, a.Slug)
	}
	if !versionPattern.MatchString(a.Version) {
		return nil, fmt.Errorf("%w: application version %q may only contain dot-separated letters, digits and '-'", ErrInvalidSpec, a.Version)
	}

	sets := make(map[string]bool, len(a.CifEntrySets))
	for _, s := range a.CifEntrySets {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		sets[s.Name] = true
	}

	var warnings []string
	for _, c := range a.Commands {
		if c == nil {
			return nil, fmt.Errorf("%w: command spec must not be null", ErrInvalidSpec)
		}
		w, err := c.Validate()
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}

	seen := make(map[string]bool)
	for _, c := range a.AllCommands() {
		name := c.CommandName()
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate command name %q", ErrInvalidSpec, name)
		}
		seen[name] = true
		for _, p := range c.Common().Parameters {
			if p.Cif == nil {
				continue
			}
			for _, ref := range append(append([]string{}, p.Cif.RequiredEntrySets...), p.Cif.OptionalEntrySets...) {
				if !sets[ref] {
					return nil, fmt.Errorf("%w: command %q parameter %q references unknown cif entry set %q",
						ErrInvalidSpec, name, p.Name, ref)
				}
			}
		}
	}
	return warnings, nil
}
