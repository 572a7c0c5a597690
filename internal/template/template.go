// Package template implements the HyperShell command template language
// (spec §4.9): given a task's argument line x, Expand substitutes `{}`,
// index/slice references, filepath derivations, shell substitutions, and
// restricted expressions to produce the shell command actually run.
package template

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrTemplate is wrapped by every expansion failure; the executor maps it
// to domain.TemplateErrorExitStatus (spec §7 TemplateError).
var ErrTemplate = errors.New("template: expansion failed")

// Expand substitutes every `{...}`, `{% ... %}`, and `{= ... =}` group in
// pattern against argument line x, returning the resulting shell command.
func Expand(pattern, x string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(pattern) {
		if pattern[i] != '{' {
			out.WriteByte(pattern[i])
			i++
			continue
		}
		rest := pattern[i+1:]
		switch {
		case strings.HasPrefix(rest, "%"):
			end := strings.Index(rest, "%}")
			if end == -1 {
				return "", fmt.Errorf("%w: unterminated {%% ... %%} at offset %d", ErrTemplate, i)
			}
			cmd := strings.TrimSpace(rest[1:end])
			result, err := expandShell(cmd, x)
			if err != nil {
				return "", err
			}
			out.WriteString(result)
			i += 1 + end + 2
		case strings.HasPrefix(rest, "="):
			end := strings.Index(rest, "=}")
			if end == -1 {
				return "", fmt.Errorf("%w: unterminated {= ... =} at offset %d", ErrTemplate, i)
			}
			expr := strings.TrimSpace(rest[1:end])
			val, err := Eval(expr, x)
			if err != nil {
				return "", err
			}
			out.WriteString(val.String())
			i += 1 + end + 2
		default:
			end := strings.IndexByte(rest, '}')
			if end == -1 {
				return "", fmt.Errorf("%w: unterminated { at offset %d", ErrTemplate, i)
			}
			token := rest[:end]
			substituted, err := expandToken(token, x)
			if err != nil {
				return "", err
			}
			out.WriteString(substituted)
			i += 1 + end + 1
		}
	}
	return out.String(), nil
}

// expandToken handles every bracketed form except {% %} and {= =}: the
// bare `{}`, index/slice references, and the seven filepath derivations.
func expandToken(token, x string) (string, error) {
	if token == "" {
		return x, nil
	}
	if strings.HasPrefix(token, "[") && strings.HasSuffix(token, "]") {
		return expandSlice(token[1:len(token)-1], x)
	}
	switch token {
	case "/":
		return filepath.Dir(x), nil
	case ".":
		return filepath.Base(x), nil
	case "..":
		return filepath.Dir(filepath.Dir(x)), nil
	case "-":
		return strings.TrimSuffix(x, filepath.Ext(x)), nil
	case "/-":
		base := filepath.Base(x)
		return strings.TrimSuffix(base, filepath.Ext(base)), nil
	case "+":
		return strings.TrimPrefix(filepath.Ext(x), "."), nil
	case "++":
		return filepath.Ext(x), nil
	default:
		return "", fmt.Errorf("%w: unknown substitution {%s}", ErrTemplate, token)
	}
}

// expandSlice parses the content of `{[...]}` — a single index or a
// start:stop:step slice — against the whitespace-split fields of x (spec
// §4.9: "0-indexed, negative from end, end-exclusive, default step 1").
func expandSlice(spec, x string) (string, error) {
	fields := strings.Fields(x)
	if !strings.Contains(spec, ":") {
		idx, err := strconv.Atoi(strings.TrimSpace(spec))
		if err != nil {
			return "", fmt.Errorf("%w: invalid index %q", ErrTemplate, spec)
		}
		i := normalizeIndex(idx, len(fields))
		if i < 0 || i >= len(fields) {
			return "", fmt.Errorf("%w: index %d out of range for %d fields", ErrTemplate, idx, len(fields))
		}
		return fields[i], nil
	}

	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return "", fmt.Errorf("%w: invalid slice %q", ErrTemplate, spec)
	}
	step := 1
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		s, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || s == 0 {
			return "", fmt.Errorf("%w: invalid step in slice %q", ErrTemplate, spec)
		}
		step = s
	}

	n := len(fields)
	start, stop := sliceBounds(parts[0], parts[1], n, step)

	var picked []string
	if step > 0 {
		for i := start; i < stop; i += step {
			if i >= 0 && i < n {
				picked = append(picked, fields[i])
			}
		}
	} else {
		for i := start; i > stop; i += step {
			if i >= 0 && i < n {
				picked = append(picked, fields[i])
			}
		}
	}
	return strings.Join(picked, " "), nil
}

// sliceBounds resolves the a:b components of a slice to concrete,
// direction-appropriate start/stop indices, following Python's slicing
// defaults.
func sliceBounds(aSpec, bSpec string, n, step int) (start, stop int) {
	if strings.TrimSpace(aSpec) == "" {
		if step > 0 {
			start = 0
		} else {
			start = n - 1
		}
	} else {
		a, _ := strconv.Atoi(strings.TrimSpace(aSpec))
		start = normalizeIndex(a, n)
	}
	if strings.TrimSpace(bSpec) == "" {
		if step > 0 {
			stop = n
		} else {
			stop = -1
		}
	} else {
		b, _ := strconv.Atoi(strings.TrimSpace(bSpec))
		stop = normalizeIndex(b, n)
	}
	return start, stop
}

// normalizeIndex turns a possibly-negative Python-style index into an
// absolute one, without range-checking it against n.
func normalizeIndex(i, n int) int {
	if i < 0 {
		return n + i
	}
	return i
}
