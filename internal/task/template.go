package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/lcls-tools/lute/internal/model"
)

// Renderer writes a third-party configuration file from template parameters.
type Renderer interface {
	Render(ctx context.Context, tc model.TemplateConfig, values map[string]any) error
}

// TemplateRenderer renders text/template files. Relative template names are
// looked up in Dir, or in $LUTE_PATH/config/templates when Dir is empty.
type TemplateRenderer struct {
	Dir string
}

func (r TemplateRenderer) Render(_ context.Context, tc model.TemplateConfig, values map[string]any) error {
	path := tc.Name
	if !filepath.IsAbs(path) {
		dir := r.Dir
		if dir == "" {
			dir = filepath.Join(os.Getenv("LUTE_PATH"), "config", "templates")
		}
		path = filepath.Join(dir, path)
	}
	if tc.Output == "" {
		return fmt.Errorf("template %s: no output path", tc.Name)
	}

	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").ParseFiles(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tc.Output), 0o755); err != nil {
		return err
	}
	f, err := os.Create(tc.Output)
	if err != nil {
		return err
	}
	if err := tmpl.Execute(f, values); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
