package modkit

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/golobby/cast"
)

// SettingType enumerates the value types a config setting may declare.
type SettingType string

const (
	SettingString SettingType = "string"
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
)

// ConfigSetting declares one recognized configuration option of a module:
// its type, default, optional numeric bounds or enumerated options, and a
// description for the settings UI.
type ConfigSetting struct {
	Type        SettingType `yaml:"type" json:"type"`
	Default     any         `yaml:"default" json:"default"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`

	// Min and Max bound numeric settings; nil means unbounded.
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Options enumerates the accepted values of a string setting; empty
	// means any string.
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// ConfigSchema is the set of recognized settings of a module, enumerated at
// module-definition time. Values outside the schema are rejected rather
// than passed through opaquely.
type ConfigSchema struct {
	Settings map[string]ConfigSetting `yaml:"settings" json:"settings"`
}

// settingGoType maps a SettingType to the Go type values are coerced into.
func settingGoType(t SettingType) (reflect.Type, error) {
	switch t {
	case SettingString:
		return reflect.TypeOf(""), nil
	case SettingInt:
		return reflect.TypeOf(int(0)), nil
	case SettingFloat:
		return reflect.TypeOf(float64(0)), nil
	case SettingBool:
		return reflect.TypeOf(false), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrSchemaTypeUnknown, t)
	}
}

// Validate checks that every setting declares a known type and, when a
// default is present, that the default coerces to that type and satisfies
// the declared bounds and options.
func (s *ConfigSchema) Validate() error {
	for name, setting := range s.Settings {
		if _, err := settingGoType(setting.Type); err != nil {
			return fmt.Errorf("setting %q: %w", name, err)
		}
		if setting.Default != nil {
			if _, err := s.coerce(name, setting, setting.Default); err != nil {
				return fmt.Errorf("setting %q default: %w", name, err)
			}
		}
	}
	return nil
}

// Defaults returns a fresh value map holding every setting's coerced
// default. Settings without a default are omitted.
func (s *ConfigSchema) Defaults() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(s.Settings))
	for name, setting := range s.Settings {
		if setting.Default == nil {
			continue
		}
		v, err := s.coerce(name, setting, setting.Default)
		if err != nil {
			// Validate rejects schemas with bad defaults; an unvalidated
			// schema keeps the raw value.
			out[name] = setting.Default
			continue
		}
		out[name] = v
	}
	return out
}

// Merge overlays values onto the schema defaults, coercing each value to
// its declared type and checking bounds and options. Unknown keys fail with
// ErrSettingUnknown.
func (s *ConfigSchema) Merge(values map[string]any) (map[string]any, error) {
	merged := s.Defaults()
	if s == nil {
		return merged, nil
	}

	// Deterministic error selection when several keys are bad.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		setting, ok := s.Settings[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSettingUnknown, name)
		}
		v, err := s.coerce(name, setting, values[name])
		if err != nil {
			return nil, err
		}
		merged[name] = v
	}
	return merged, nil
}

// coerce converts a raw value to the setting's declared type and enforces
// bounds and enumerated options.
func (s *ConfigSchema) coerce(name string, setting ConfigSetting, raw any) (any, error) {
	goType, err := settingGoType(setting.Type)
	if err != nil {
		return nil, err
	}

	converted, err := cast.FromType(fmt.Sprintf("%v", raw), goType)
	if err != nil {
		return nil, fmt.Errorf("setting %q: cannot cast %v to %s: %w", name, raw, setting.Type, err)
	}

	switch setting.Type {
	case SettingInt:
		n := float64(converted.(int))
		if (setting.Min != nil && n < *setting.Min) || (setting.Max != nil && n > *setting.Max) {
			return nil, fmt.Errorf("%w: setting %q value %v", ErrSettingOutOfRange, name, raw)
		}
	case SettingFloat:
		n := converted.(float64)
		if (setting.Min != nil && n < *setting.Min) || (setting.Max != nil && n > *setting.Max) {
			return nil, fmt.Errorf("%w: setting %q value %v", ErrSettingOutOfRange, name, raw)
		}
	case SettingString:
		if len(setting.Options) > 0 {
			val := converted.(string)
			found := false
			for _, opt := range setting.Options {
				if opt == val {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: setting %q value %q", ErrSettingBadOption, name, val)
			}
		}
	}

	return converted, nil
}
