package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// FlagType describes how a parameter is passed on a third-party command line.
type FlagType int

const (
	// FlagUnset falls back to guessing from the field name.
	FlagUnset FlagType = iota
	// FlagPositional passes only the value.
	FlagPositional
	// FlagShort passes -name value.
	FlagShort
	// FlagLong passes --name value.
	FlagLong
)

// Prefix returns the dash prefix of the flag.
func (f FlagType) Prefix() string {
	switch f {
	case FlagShort:
		return "-"
	case FlagLong:
		return "--"
	default:
		return ""
	}
}

// Scalar holds a header value which may be written either as a number or
// as a string in the configuration file.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*s = Scalar(num.String())
	return nil
}

// Header is the configuration shared by every Task of an analysis.
type Header struct {
	Title       string `json:"title" cbor:"1,keyasint"`
	Experiment  string `json:"experiment" cbor:"2,keyasint"`
	Run         Scalar `json:"run" cbor:"3,keyasint"`
	Date        string `json:"date" cbor:"4,keyasint"`
	Version     Scalar `json:"lute_version" cbor:"5,keyasint"`
	TaskTimeout int    `json:"task_timeout" cbor:"6,keyasint"` // seconds
	WorkDir     string `json:"work_dir" cbor:"7,keyasint"`
}

// Map returns the header as column name -> value pairs.
func (h Header) Map() map[string]any {
	return map[string]any{
		"title":        h.Title,
		"experiment":   h.Experiment,
		"run":          string(h.Run),
		"date":         h.Date,
		"lute_version": string(h.Version),
		"task_timeout": h.TaskTimeout,
	}
}

// TemplateConfig locates the template of a third-party configuration file
// and where to write the rendered result. A relative Name is resolved
// against the installation template directory.
type TemplateConfig struct {
	Name   string `json:"template_name" yaml:"template_name" cbor:"1,keyasint"`
	Output string `json:"output_path" yaml:"output_path" cbor:"2,keyasint"`
}

// Field is one validated Task parameter together with the metadata
// third-party Tasks need to render it on a command line.
type Field struct {
	Name     string   `cbor:"1,keyasint"`
	Value    any      `cbor:"2,keyasint"`
	Flag     FlagType `cbor:"3,keyasint,omitempty"`
	Rename   string   `cbor:"4,keyasint,omitempty"` // replaces Name as the flag token
	UseEq    bool     `cbor:"5,keyasint,omitempty"` // --flag=value instead of --flag value
	Template bool     `cbor:"6,keyasint,omitempty"` // rendered into a config file, not argv
}

// Parameters are the validated inputs of one Task.
type Parameters struct {
	Header   Header          `cbor:"1,keyasint"`
	Fields   []Field         `cbor:"2,keyasint"`
	Template *TemplateConfig `cbor:"3,keyasint,omitempty"`
}

// ExecutableField names the parameter holding a third-party binary.
const ExecutableField = "executable"

// Field returns the named field.
func (p *Parameters) Field(name string) (Field, bool) {
	if p == nil {
		return Field{}, false
	}
	for _, f := range p.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value returns the value of the named field or nil.
func (p *Parameters) Value(name string) any {
	f, _ := p.Field(name)
	return f.Value
}

// Set replaces the value of the named field, appending it when missing.
func (p *Parameters) Set(name string, value any) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			p.Fields[i].Value = value
			return
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

// Executable returns the third-party binary, if any.
func (p *Parameters) Executable() string {
	s, _ := p.Value(ExecutableField).(string)
	return s
}

func (p *Parameters) String(name string) string {
	switch v := p.Value(name).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (p *Parameters) Int(name string) (int, error) {
	switch v := p.Value(name).(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("parameter %s: cannot use %T as int", name, v)
	}
}

func (p *Parameters) Float(name string) (float64, error) {
	switch v := p.Value(name).(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("parameter %s: cannot use %T as float", name, v)
	}
}

func (p *Parameters) Bool(name string) bool {
	b, _ := p.Value(name).(bool)
	return b
}

// Clone copies the field slice; values are shared.
func (p Parameters) Clone() Parameters {
	out := p
	out.Fields = slices.Clone(p.Fields)
	if p.Template != nil {
		t := *p.Template
		out.Template = &t
	}
	return out
}

// Flatten returns the field values keyed by name. Nested maps are flattened
// with '.' separated keys, e.g. {"a": {"b": 1}} becomes {"a.b": 1}.
func (p *Parameters) Flatten() map[string]any {
	out := make(map[string]any, len(p.Fields))
	for _, f := range p.Fields {
		flatten(out, f.Name, f.Value)
	}
	return out
}

func flatten(out map[string]any, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			flatten(out, key+"."+k, v[k])
		}
	case map[any]any:
		for k, vv := range v {
			flatten(out, key+"."+fmt.Sprint(k), vv)
		}
	default:
		out[key] = value
	}
}

// FieldSpec declares one parameter of a Task.
type FieldSpec struct {
	Name        string
	Default     any
	Required    bool
	Flag        FlagType
	Rename      string
	UseEq       bool
	Template    bool
	Description string
}

// Schema declares the parameters a Task accepts.
type Schema struct {
	Fields []FieldSpec
	// ExtraAsTemplate marks undeclared parameters as template parameters.
	ExtraAsTemplate bool
}

func (s Schema) spec(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
