//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const scriptExt = ".lua"

// metaPrefix starts the optional first line of a script file, which holds
// ScriptMeta as JSON.
const metaPrefix = "-- "

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

// Manager stores scripts as .lua files in one directory. The file stem is
// the script id.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

func (m *Manager) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

// List returns every parseable script ordered by id. Unreadable files are
// logged and skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != scriptExt {
			continue
		}
		s, err := m.load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	slices.SortFunc(scripts, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return scripts, nil
}

// Get loads one script. A missing file wraps ErrScriptNotFound.
func (m *Manager) Get(id string) (*Script, error) {
	path, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(path)
}

// Save writes s, assigning an id derived from its name when it has none.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	if err := m.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Update applies fn to a stored script and writes the result, holding the
// lock across the read and the write.
func (m *Manager) Update(id string, fn func(*Script)) (*Script, error) {
	path, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(path)
	if err != nil {
		return nil, err
	}
	fn(s)
	s.ID = id
	if err := m.write(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a script file. A missing file wraps ErrScriptNotFound.
func (m *Manager) Delete(id string) error {
	path, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// freeID returns base, or base with a numeric suffix, that names no existing
// file. Callers hold the write lock.
func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+scriptExt)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// write replaces the script file through a rename so that a running engine
// never reads a partial file.
func (m *Manager) write(s *Script) error {
	path, err := m.path(s.ID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.dir, ".tmp-"+s.ID+"-*")
	if err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	_, werr := tmp.WriteString(serializeScript(s))
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write script: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write script: %w", err)
	}
	s.FilePath = path
	return nil
}

func (m *Manager) load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, filepath.Base(path))
		}
		return nil, err
	}
	s, err := parseScript(strings.TrimSuffix(filepath.Base(path), scriptExt), data)
	if err != nil {
		// Keep the code usable; only the header is bad.
		m.logger.Warn("script metadata", "file", path, "err", err)
	}
	s.FilePath = path
	return s, nil
}

// parseScript splits a script file into its metadata header and Lua body.
// A file without a header is a disabled script named after its id. The
// returned script is always usable; err reports a malformed header.
func parseScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	code := string(data)
	var err error
	if first, rest, _ := strings.Cut(code, "\n"); strings.HasPrefix(first, metaPrefix+"{") {
		err = json.Unmarshal([]byte(strings.TrimPrefix(first, metaPrefix)), &s.Meta)
		code = rest
	}
	if s.Meta.Name == "" {
		s.Meta.Name = id
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	return s, err
}

func serializeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString(metaPrefix)
	b.Write(meta)
	b.WriteByte('\n')
	if s.LuaCode != "" {
		b.WriteByte('\n')
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
