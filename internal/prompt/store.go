package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

// ErrInvalidName is returned for template names that escape the prompts directory.
var ErrInvalidName = errors.New("invalid prompt name")

// Store loads prompt templates from a directory. Templates are read from
// disk on every Get so that edits apply without a restart.
type Store struct {
	dir  string
	vars map[string]string
}

// NewStore creates a store rooted at dir. vars are substituted into every
// rendered template.
func NewStore(dir string, vars map[string]string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("prompts directory must not be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat prompts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts path %q is not a directory", dir)
	}

	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &Store{dir: dir, vars: copied}, nil
}

// Get reads the named template.
func (s *Store) Get(name string) (*Template, error) {
	if name == "" || filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read prompt %q: %w", name, err)
	}
	return &Template{name: name, source: string(data), vars: s.vars}, nil
}

// Template is a loaded prompt ready to render.
type Template struct {
	name   string
	source string
	vars   map[string]string
}

// Name returns the template file name.
func (t *Template) Name() string { return t.name }

// Render substitutes {{ key }} tags. Unknown tags are left as written.
func (t *Template) Render() string {
	if !strings.Contains(t.source, startTag) {
		return t.source
	}
	return fasttemplate.ExecuteFuncString(t.source, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		if v, ok := t.vars[strings.TrimSpace(tag)]; ok {
			return io.WriteString(w, v)
		}
		return io.WriteString(w, startTag+tag+endTag)
	})
}

// Render loads and renders the named template in one step.
func (s *Store) Render(name string) (string, error) {
	tmpl, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return tmpl.Render(), nil
}
