// Package pattern compiles include/exclude patterns and matches relative
// paths against them.
//
// Four forms are accepted: a literal path, a glob (doublestar syntax, so
// "**" spans directories), a regular expression, and a predicate function.
// Anything else is rejected when the pattern is compiled, never when it is
// matched.
package pattern

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"funnel/internal/errors"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type Kind int

const (
	Literal Kind = iota
	Glob
	Regexp
	Predicate
)

func (k Kind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Glob:
		return "glob"
	case Regexp:
		return "regexp"
	case Predicate:
		return "predicate"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Pattern matches slash separated paths relative to a projection root.
type Pattern interface {
	Match(relativePath string) bool
	Kind() Kind
	String() string
}

// Compile turns a raw pattern value into a Pattern.
func Compile(v any) (Pattern, error) {
	switch p := v.(type) {
	case Pattern:
		return p, nil
	case string:
		return compileGlob(p)
	case *regexp.Regexp:
		if p == nil {
			return nil, errors.Configuration("nil regular expression pattern", nil)
		}
		return regexpPattern{re: p}, nil
	case func(string) bool:
		if p == nil {
			return nil, errors.Configuration("nil predicate pattern", nil)
		}
		return predicatePattern{fn: func(s string) (bool, error) { return p(s), nil }, desc: "func"}, nil
	case func(string) (bool, error):
		if p == nil {
			return nil, errors.Configuration("nil predicate pattern", nil)
		}
		return predicatePattern{fn: p, desc: "func"}, nil
	default:
		return nil, errors.Configuration(
			fmt.Sprintf("invalid pattern type %T: must be a string, *regexp.Regexp or a predicate func", v), v)
	}
}

// CompileAll compiles every value, failing on the first bad one.
func CompileAll(vs ...any) ([]Pattern, error) {
	out := make([]Pattern, 0, len(vs))
	for i, v := range vs {
		p, err := Compile(v)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Parse reads the string form used in config files:
//
//	re:<regular expression>
//	expr:<boolean expression over path>
//	anything else is a literal path or a glob
func Parse(s string) (Pattern, error) {
	switch {
	case strings.HasPrefix(s, "re:"):
		re, err := regexp.Compile(strings.TrimPrefix(s, "re:"))
		if err != nil {
			return nil, errors.Configuration(fmt.Sprintf("invalid regular expression %q: %v", s, err), s)
		}
		return regexpPattern{re: re}, nil
	case strings.HasPrefix(s, "expr:"):
		return compileExpr(strings.TrimPrefix(s, "expr:"))
	default:
		return compileGlob(s)
	}
}

// ParseAll parses config strings in order.
func ParseAll(ss []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(ss))
	for _, s := range ss {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IsLiteral reports whether s contains no glob metacharacters.
func IsLiteral(s string) bool {
	return !strings.ContainsAny(s, `*?[]{}\`)
}

// AllLiteral reports whether every pattern is a literal path, in which case
// a projection can stat those paths instead of walking the whole tree.
func AllLiteral(ps []Pattern) bool {
	if len(ps) == 0 {
		return false
	}
	for _, p := range ps {
		if p.Kind() != Literal {
			return false
		}
	}
	return true
}

// Literals returns the paths of literal patterns.
func Literals(ps []Pattern) []string {
	var out []string
	for _, p := range ps {
		if lp, ok := p.(literalPattern); ok {
			out = append(out, lp.path)
		}
	}
	return out
}

func compileGlob(s string) (Pattern, error) {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, errors.Configuration("empty pattern", nil)
	}
	if IsLiteral(s) {
		return literalPattern{path: strings.TrimSuffix(s, "/")}, nil
	}
	if !doublestar.ValidatePattern(s) {
		return nil, errors.Configuration(fmt.Sprintf("invalid glob pattern %q", s), s)
	}
	return globPattern{glob: s}, nil
}

func compileExpr(src string) (Pattern, error) {
	program, err := expr.Compile(src, expr.Env(map[string]any{"path": ""}), expr.AsBool())
	if err != nil {
		return nil, errors.Configuration(fmt.Sprintf("invalid predicate expression %q: %v", src, err), src)
	}
	return predicatePattern{fn: exprPredicate(src, program), desc: "expr:" + src}, nil
}

func exprPredicate(src string, program *vm.Program) func(string) (bool, error) {
	return func(p string) (bool, error) {
		out, err := expr.Run(program, map[string]any{"path": p})
		if err != nil {
			return false, fmt.Errorf("evaluating %q for %s: %w", src, p, err)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("evaluating %q for %s: got %T, want bool", src, p, out)
		}
		return ok, nil
	}
}

// CompileRename compiles an expression mapping `path` to a new path, used as
// a destination-path function from config files. Evaluation errors are
// returned, never replaced by the original path.
func CompileRename(src string) (func(string) (string, error), error) {
	program, err := expr.Compile(src, expr.Env(map[string]any{"path": ""}), expr.AsKind(reflect.String))
	if err != nil {
		return nil, errors.Configuration(fmt.Sprintf("invalid rename expression %q: %v", src, err), src)
	}
	return func(p string) (string, error) {
		out, err := expr.Run(program, map[string]any{"path": p})
		if err != nil {
			return "", fmt.Errorf("evaluating rename %q for %s: %w", src, p, err)
		}
		s, ok := out.(string)
		if !ok {
			return "", fmt.Errorf("evaluating rename %q for %s: got %T, want string", src, p, out)
		}
		return s, nil
	}, nil
}

type literalPattern struct {
	path string
}

// Match accepts the path itself and anything beneath it.
func (l literalPattern) Match(p string) bool {
	return p == l.path || strings.HasPrefix(p, l.path+"/")
}

func (l literalPattern) Kind() Kind     { return Literal }
func (l literalPattern) String() string { return l.path }

type globPattern struct {
	glob string
}

func (g globPattern) Match(p string) bool {
	ok, err := doublestar.Match(g.glob, p)
	return err == nil && ok
}

func (g globPattern) Kind() Kind     { return Glob }
func (g globPattern) String() string { return g.glob }

type regexpPattern struct {
	re *regexp.Regexp
}

func (r regexpPattern) Match(p string) bool { return r.re.MatchString(p) }
func (r regexpPattern) Kind() Kind          { return Regexp }
func (r regexpPattern) String() string      { return "re:" + r.re.String() }

type predicatePattern struct {
	fn   func(string) (bool, error)
	desc string
}

// Match treats a failed evaluation as no match. Projections call MatchErr
// instead and fail the scan.
func (f predicatePattern) Match(p string) bool {
	ok, err := f.fn(p)
	return err == nil && ok
}

func (f predicatePattern) MatchErr(p string) (bool, error) { return f.fn(p) }
func (f predicatePattern) Kind() Kind                      { return Predicate }
func (f predicatePattern) String() string      { return f.desc }
