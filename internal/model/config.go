package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	_ "embed"
)

// Log targets understood by internal/log. Anything else is a file path.
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// TemplateKey is the reserved task-section key holding the template locations.
const TemplateKey = "lute_template_cfg"

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Header"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// LoadConfig reads a two document YAML configuration: the analysis header
// followed by a mapping of task name to task parameters. The header is
// validated against the embedded CUE schema; the section of taskName is
// merged with the defaults of s.
func LoadConfig(r io.Reader, taskName string, s Schema) (*Parameters, error) {
	docs, err := documents(r)
	if err != nil {
		return nil, err
	}
	if len(docs) < 2 {
		return nil, fmt.Errorf("%w: got %d document(s)", ErrConfigDocuments, len(docs))
	}

	header, err := decodeHeader(docs[0])
	if err != nil {
		return nil, err
	}

	section, err := taskSection(docs[1], taskName)
	if err != nil {
		return nil, err
	}
	return buildParameters(header, section, s, taskName)
}

// LoadConfigFile is LoadConfig on a file path.
func LoadConfigFile(path, taskName string, s Schema) (*Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return LoadConfig(f, taskName, s)
}

// LoadHeader reads only the first document of a configuration.
func LoadHeader(r io.Reader) (Header, error) {
	docs, err := documents(r)
	if err != nil {
		return Header{}, err
	}
	if len(docs) == 0 {
		return Header{}, fmt.Errorf("%w: got 0 documents", ErrConfigDocuments)
	}
	return decodeHeader(docs[0])
}

func documents(r io.Reader) ([]*yaml.Node, error) {
	dec := yaml.NewDecoder(r)
	var docs []*yaml.Node
	for {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		docs = append(docs, &n)
	}
}

func decodeHeader(doc *yaml.Node) (Header, error) {
	src, err := yaml.Marshal(doc)
	if err != nil {
		return Header{}, fmt.Errorf("encode header: %w", err)
	}
	file, err := cueyaml.Extract("header.yaml", src)
	if err != nil {
		return Header{}, err
	}
	value := cueCtx.BuildFile(file)

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Header{}, err
	}

	var h Header
	if err := unified.Decode(&h); err != nil {
		return Header{}, err
	}
	if h.WorkDir == "" {
		h.WorkDir = filepath.Join(os.TempDir(), "lute", h.Experiment)
	}
	return h, nil
}

// taskSection returns the mapping node of taskName, or nil when the task
// has no section of its own.
func taskSection(doc *yaml.Node, taskName string) (*yaml.Node, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind == 0 || root.Tag == "!!null" {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: task document is not a mapping", ErrConfigDocuments)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != taskName {
			continue
		}
		section := root.Content[i+1]
		if section.Tag == "!!null" {
			return nil, nil
		}
		if section.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: section %s is not a mapping", ErrConfigDocuments, taskName)
		}
		return section, nil
	}
	return nil, nil
}

func buildParameters(h Header, section *yaml.Node, s Schema, taskName string) (*Parameters, error) {
	p := &Parameters{Header: h}
	seen := make(map[string]struct{})

	if section != nil {
		for i := 0; i+1 < len(section.Content); i += 2 {
			name := section.Content[i].Value
			node := section.Content[i+1]

			if name == TemplateKey {
				var tc TemplateConfig
				if err := node.Decode(&tc); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", taskName, name, err)
				}
				p.Template = &tc
				continue
			}

			var value any
			if err := node.Decode(&value); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", taskName, name, err)
			}
			f := Field{Name: name, Value: value}
			if spec, ok := s.spec(name); ok {
				f = spec.field(value)
			} else if s.ExtraAsTemplate {
				f.Template = true
			}
			p.Fields = append(p.Fields, f)
			seen[name] = struct{}{}
		}
	}

	for _, spec := range s.Fields {
		if _, ok := seen[spec.Name]; ok {
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingParameter, taskName, spec.Name)
		}
		p.Fields = append(p.Fields, spec.field(spec.Default))
	}
	return p, nil
}

func (f FieldSpec) field(value any) Field {
	return Field{
		Name:     f.Name,
		Value:    value,
		Flag:     f.Flag,
		Rename:   f.Rename,
		UseEq:    f.UseEq,
		Template: f.Template,
	}
}
