package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // task_timeout
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | out_of_range ...
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reBound       = regexp.MustCompile(`(?i)invalid value .* \(out of bound`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// CueErrDetails turns a header validation error into one detail per
// offending position. Errors that are not CUE errors yield a single
// validation_error entry.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		key := fmt.Sprintf("%s:%d:%d:%s", pos.Filename, pos.Line, pos.Column, path)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if path != "" {
			if values := disjuncts(schema.LookupPath(cue.ParsePath(path))); len(values) > 0 {
				msg += fmt.Sprintf(": accepts %s", strings.Join(values, " | "))
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

// disjuncts lists the kinds a schema field accepts, marking the default.
func disjuncts(v cue.Value) []string {
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	d, hasDefault := v.Default()
	var out []string
	for _, a := range args {
		s := a.IncompleteKind().String()
		if a.IsConcrete() {
			b, err := a.MarshalJSON()
			if err != nil {
				continue
			}
			s = string(b)
			if hasDefault && a.Equals(d) {
				s = "*" + s
			}
		}
		out = append(out, s)
	}
	return out
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the #Header definition
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reBound.MatchString(raw):
		return "out_of_range", fmt.Sprintf("Field %s is out of range", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
