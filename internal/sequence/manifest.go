// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// ManifestFileName is the required manifest file inside a package directory.
const ManifestFileName = "manifest.yaml"

var (
	semverPattern     = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ParamType enumerates the allowed parameter and hardware-config field types.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "bool"
)

// EntryPoint names the module and class the loader resolves to a registered
// sequence factory.
type EntryPoint struct {
	Module string `yaml:"module" json:"module"`
	Class  string `yaml:"class" json:"class"`
}

// ConfigField describes one field of a hardware driver's config schema.
type ConfigField struct {
	Type     ParamType `yaml:"type" json:"type"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any       `yaml:"default,omitempty" json:"default,omitempty"`
	Options  []any     `yaml:"options,omitempty" json:"options,omitempty"`
	Min      *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty" json:"max,omitempty"`
}

// HardwareDef describes one hardware requirement of the package.
type HardwareDef struct {
	Name         string                 `yaml:"name" json:"name"`
	DriverModule string                 `yaml:"driver_module" json:"driver_module"`
	ClassName    string                 `yaml:"class_name" json:"class_name"`
	ConfigSchema map[string]ConfigField `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
}

// ParamDef describes one sequence parameter.
type ParamDef struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Options     []any     `yaml:"options,omitempty" json:"options,omitempty"`
	Unit        string    `yaml:"unit,omitempty" json:"unit,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepOverride carries manifest-level step tuning persisted by
// UpdateManifest. Order and timeout only; source is never touched.
type StepOverride struct {
	Order   *int     `yaml:"order,omitempty" json:"order,omitempty"`
	Timeout *float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Manifest is the parsed manifest.yaml of a sequence package.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`

	EntryPoint EntryPoint `yaml:"entry_point" json:"entry_point"`

	Hardware   map[string]HardwareDef  `yaml:"hardware,omitempty" json:"hardware,omitempty"`
	Parameters map[string]ParamDef     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps      map[string]StepOverride `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Requirements lists external packages the sequence needs.
	Requirements []string `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &errors.ManifestError{Reason: "cannot parse manifest", Cause: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest schema.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &errors.ManifestError{Reason: "name is required"}
	}
	if !identifierPattern.MatchString(m.Name) {
		return &errors.ManifestError{
			Package: m.Name,
			Reason:  fmt.Sprintf("name %q is not a valid identifier", m.Name),
		}
	}
	if !semverPattern.MatchString(m.Version) {
		return &errors.ManifestError{
			Package: m.Name,
			Reason:  fmt.Sprintf("version %q does not match X.Y.Z", m.Version),
		}
	}
	if m.EntryPoint.Module == "" || m.EntryPoint.Class == "" {
		return &errors.ManifestError{Package: m.Name, Reason: "entry_point module and class are required"}
	}

	for name, p := range m.Parameters {
		if err := validateParamType(p.Type); err != nil {
			return &errors.ManifestError{
				Package: m.Name,
				Reason:  fmt.Sprintf("parameter %s: %v", name, err),
			}
		}
		if p.Default != nil && !defaultMatchesType(p.Default, p.Type) {
			return &errors.ManifestError{
				Package: m.Name,
				Reason: fmt.Sprintf("parameter %s: default %v does not match declared type %s",
					name, p.Default, p.Type),
			}
		}
	}

	for hw, def := range m.Hardware {
		if def.DriverModule == "" || def.ClassName == "" {
			return &errors.ManifestError{
				Package: m.Name,
				Reason:  fmt.Sprintf("hardware %s: driver_module and class_name are required", hw),
			}
		}
		for field, cf := range def.ConfigSchema {
			if err := validateParamType(cf.Type); err != nil {
				return &errors.ManifestError{
					Package: m.Name,
					Reason:  fmt.Sprintf("hardware %s config field %s: %v", hw, field, err),
				}
			}
			if cf.Default != nil && !defaultMatchesType(cf.Default, cf.Type) {
				return &errors.ManifestError{
					Package: m.Name,
					Reason: fmt.Sprintf("hardware %s config field %s: default %v does not match type %s",
						hw, field, cf.Default, cf.Type),
				}
			}
		}
	}

	return nil
}

// ParameterDefaults returns the declared default for every parameter that
// has one.
func (m *Manifest) ParameterDefaults() map[string]any {
	out := make(map[string]any, len(m.Parameters))
	for name, p := range m.Parameters {
		if p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

// BumpPatch increments the patch component of the semver version.
func (m *Manifest) BumpPatch() {
	parts := strings.SplitN(m.Version, ".", 3)
	if len(parts) != 3 {
		return
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	m.Version = fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}

func validateParamType(t ParamType) error {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool:
		return nil
	default:
		return fmt.Errorf("unknown type %q", t)
	}
}

// defaultMatchesType checks a YAML-decoded default against the declared type.
// YAML decodes numbers to int or float64; an int default is acceptable for a
// float parameter but not the reverse.
func defaultMatchesType(v any, t ParamType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInt:
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case TypeFloat:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
