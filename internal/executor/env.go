package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

var ErrUnknownPolicy = errors.New("unknown PATH policy")

// PathPolicy decides how a new PATH combines with the current one.
type PathPolicy string

const (
	PathPrepend   PathPolicy = "prepend"
	PathAppend    PathPolicy = "append"
	PathOverwrite PathPolicy = "overwrite"
)

// ParsePathPolicy accepts the policy names case-insensitively. The empty
// string is PathPrepend.
func ParsePathPolicy(s string) (PathPolicy, error) {
	switch p := PathPolicy(strings.ToLower(s)); p {
	case "":
		return PathPrepend, nil
	case PathPrepend, PathAppend, PathOverwrite:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// UpdateEnvironment merges vars into the Task environment. Existing variables
// are overwritten, except PATH which is combined according to policy.
func (e *Executor) UpdateEnvironment(vars map[string]string, policy PathPolicy) error {
	switch policy {
	case PathPrepend, PathAppend, PathOverwrite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	vars = maps.Clone(vars)
	e.mx.Lock()
	defer e.mx.Unlock()
	if path, ok := vars["PATH"]; ok {
		if old, ok := e.desc.Env["PATH"]; ok && old != "" {
			sep := string(os.PathListSeparator)
			switch policy {
			case PathPrepend:
				vars["PATH"] = path + sep + old
			case PathAppend:
				vars["PATH"] = old + sep + path
			}
		}
	}
	maps.Copy(e.desc.Env, vars)
	return nil
}

// Environment returns a copy of the Task environment.
func (e *Executor) Environment() map[string]string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return maps.Clone(e.desc.Env)
}

// ShellSource sources script with bash and replaces the Task environment with
// the resulting one. A missing script is logged and ignored.
func (e *Executor) ShellSource(ctx context.Context, script string) error {
	if _, err := os.Stat(script); err != nil {
		e.log.InfoContext(ctx, "cannot source environment", "script", script, "err", err)
		return nil
	}
	bash, err := exec.LookPath("bash")
	if err != nil {
		return fmt.Errorf("source %s: %w", script, err)
	}

	e.mx.Lock()
	env := make([]string, 0, len(e.desc.Env))
	for _, k := range slices.Sorted(maps.Keys(e.desc.Env)) {
		env = append(env, k+"="+e.desc.Env[k])
	}
	e.mx.Unlock()

	cmd := exec.CommandContext(ctx, bash, "-c", `set -a; source "$1" >/dev/null; env -0`, "lute-source", script)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	e.log.InfoContext(ctx, "sourcing environment", "script", script)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("source %s: %w: %s", script, err, strings.TrimSpace(stderr.String()))
	}

	sourced := make(map[string]string)
	for _, kv := range bytes.Split(stdout.Bytes(), []byte{0}) {
		if k, v, ok := strings.Cut(string(kv), "="); ok && k != "" {
			sourced[k] = v
		}
	}
	e.mx.Lock()
	e.desc.Env = sourced
	e.mx.Unlock()
	return nil
}
