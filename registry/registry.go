package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/udf"
)

//go:embed functions
var builtins embed.FS

// ErrNotFound is returned when a referenced function is not registered
var ErrNotFound = errors.New("function not registered")

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Function is a registered UDF
type Function struct {
	Name        string       `json:"name"`
	Language    udf.Language `json:"language"`
	Description string       `json:"description,omitempty"`
	Builtin     bool         `json:"builtin"`
	Source      string       `json:"-"`
}

// Registry maps function names to their source
type Registry struct {
	logger            *zap.Logger
	defaultEntrypoint string

	mu    sync.RWMutex
	funcs map[string]Function
}

// New creates a registry with the built-in functions and, if dir is not
// empty, every function found in dir
func New(logger *zap.Logger, dir, defaultEntrypoint string) (*Registry, error) {
	if defaultEntrypoint == "" {
		defaultEntrypoint = udf.DefaultEntrypoint
	}
	r := &Registry{
		logger:            logger,
		defaultEntrypoint: defaultEntrypoint,
		funcs:             make(map[string]Function),
	}

	sub, err := fs.Sub(builtins, "functions")
	if err != nil {
		return nil, err
	}
	if err := r.loadFS(sub, true); err != nil {
		return nil, fmt.Errorf("failed to load built-in functions: %w", err)
	}

	if dir != "" {
		if err := r.loadFS(os.DirFS(dir), false); err != nil {
			return nil, fmt.Errorf("failed to load functions from %s: %w", dir, err)
		}
	}

	logger.Info("function registry loaded", zap.Int("functions", len(r.funcs)), zap.String("dir", dir))
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, builtin bool) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lang, ok := languageOf(entry.Name())
		if !ok {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
		if err := r.Register(Function{
			Name:        name,
			Language:    lang,
			Description: description(string(data)),
			Builtin:     builtin,
			Source:      string(data),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Register adds fn, replacing a function of the same name
func (r *Registry) Register(fn Function) error {
	if !validName.MatchString(fn.Name) {
		return fmt.Errorf("invalid function name %q", fn.Name)
	}
	if !fn.Language.Valid() {
		return fmt.Errorf("function %q: unsupported language %q", fn.Name, fn.Language)
	}
	if strings.TrimSpace(fn.Source) == "" {
		return fmt.Errorf("function %q has no source", fn.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.funcs[fn.Name]; ok {
		r.logger.Info("function overridden", zap.String("name", fn.Name), zap.Bool("builtin", prev.Builtin))
	}
	r.funcs[fn.Name] = fn
	return nil
}

// Lookup returns the named function
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// List returns all functions sorted by name
func (r *Registry) List() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Function, 0, len(r.funcs))
	for _, fn := range r.funcs {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns a copy of req whose code carries inline source: function
// references are replaced by the registered source and a missing Starlark
// entrypoint is set to the default.
func (r *Registry) Resolve(req *udf.Request) (*udf.Request, error) {
	resolved := *req
	code := req.Code

	if code.Function != "" {
		fn, ok := r.Lookup(code.Function)
		if !ok {
			return nil, udf.InvalidRequestf("%v: %q", ErrNotFound, code.Function)
		}
		if code.Language != "" && code.Language != fn.Language {
			return nil, udf.InvalidRequestf("function %q is written in %s, not %s", fn.Name, fn.Language, code.Language)
		}
		code.Language = fn.Language
		code.Source = fn.Source
		code.Function = ""
	}

	if code.Language == udf.LanguageStarlark && code.Entrypoint == "" {
		code.Entrypoint = r.defaultEntrypoint
	}
	resolved.Code = code
	return &resolved, nil
}

func languageOf(name string) (udf.Language, bool) {
	switch path.Ext(name) {
	case ".star":
		return udf.LanguageStarlark, true
	case ".cel":
		return udf.LanguageCEL, true
	default:
		return "", false
	}
}

// description returns the text of the first comment line
func description(src string) string {
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#"):
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		case strings.HasPrefix(line, "//"):
			return strings.TrimSpace(strings.TrimPrefix(line, "//"))
		case line != "":
			return ""
		}
	}
	return ""
}
