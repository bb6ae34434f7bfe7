// Package content loads and validates module definitions.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/bandexam/internal/model"
)

// ErrNotFound is returned when no definition exists for a module and set.
var ErrNotFound = errors.New("module content not found")

// Source provides module definitions.
type Source interface {
	Load(ctx context.Context, kind model.ModuleKind, set int) (model.ExamModule, error)
}

// DirSource reads definitions from files named {module}_set{N}.{json,yaml,yml}.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Load reads and decodes the file for kind and set.
func (d *DirSource) Load(_ context.Context, kind model.ModuleKind, set int) (model.ExamModule, error) {
	for _, ext := range []string{"json", "yaml", "yml"} {
		path := filepath.Join(d.dir, fmt.Sprintf("%s_set%d.%s", kind, set, ext))
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return model.ExamModule{}, fmt.Errorf("read %s: %w", path, err)
		}
		m, err := Decode(data, ext)
		if err != nil {
			return model.ExamModule{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if m.Kind == "" {
			m.Kind = kind
		}
		if m.Set == 0 {
			m.Set = set
		}
		slog.Info("loaded module content", "path", path, "module", kind, "set", set, "questions", m.QuestionCount())
		return m, nil
	}
	return model.ExamModule{}, fmt.Errorf("%s set %d in %s: %w", kind, set, d.dir, ErrNotFound)
}

// Decode parses a definition in the given format ("json", "yaml" or "yml")
// and records its checksum.
func Decode(data []byte, format string) (model.ExamModule, error) {
	var m model.ExamModule
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &m)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &m)
	default:
		return m, fmt.Errorf("unsupported content format %q", format)
	}
	if err != nil {
		return m, err
	}
	m.Checksum = sha256sum(data)
	return m, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type cacheKey struct {
	kind model.ModuleKind
	set  int
}

// Cache validates modules from a Source and keeps them for reuse. A module is
// read from its source once.
type Cache struct {
	src     Source
	mu      sync.Mutex
	modules map[cacheKey]model.ExamModule
}

// NewCache wraps src.
func NewCache(src Source) *Cache {
	return &Cache{src: src, modules: make(map[cacheKey]model.ExamModule)}
}

// Load returns the cached module or fetches and validates it.
func (c *Cache) Load(ctx context.Context, kind model.ModuleKind, set int) (model.ExamModule, error) {
	key := cacheKey{kind, set}
	c.mu.Lock()
	m, ok := c.modules[key]
	c.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := c.src.Load(ctx, kind, set)
	if err != nil {
		return model.ExamModule{}, err
	}
	if m.Kind != kind {
		return model.ExamModule{}, fmt.Errorf("content for %s set %d declares module %s", kind, set, m.Kind)
	}
	if err := Validate(m); err != nil {
		return model.ExamModule{}, fmt.Errorf("validate %s set %d: %w", kind, set, err)
	}

	c.mu.Lock()
	c.modules[key] = m
	c.mu.Unlock()
	return m, nil
}
