package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Service reads the small JSON documents that external collaborators (the
// settings UI, theme editor, etc.) write under the config directory. perchd
// only consumes them: notification toggles, display names, working directory.
// The settings file is re-read when fsnotify reports a change.
type Service struct {
	dir string

	mu  sync.RWMutex
	doc Document

	watcher *fsnotify.Watcher
}

// Document is the settings.json shape. Unknown fields are ignored so newer
// UI versions can add keys without breaking the gateway.
type Document struct {
	AgentName     string            `json:"agentName,omitempty"`
	ModelName     string            `json:"modelName,omitempty"`
	ProjectName   string            `json:"projectName,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	WorkingDir    string            `json:"workingDir,omitempty"`
	Notifications map[string]*bool  `json:"notifications,omitempty"` // kind -> enabled; nil means default-on
	Templates     map[string]string `json:"templates,omitempty"`     // kind -> "title|body" override
}

// New loads settings from dir/settings.json (missing file is fine) and starts
// watching the directory for changes.
func New(dir string) (*Service, error) {
	s := &Service{dir: dir}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *Service) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "settings.json" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("settings reload failed", "err", err)
			} else {
				slog.Debug("settings reloaded")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "err", err)
		}
	}
}

func (s *Service) reload() error {
	var doc Document
	data, err := os.ReadFile(filepath.Join(s.dir, "settings.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse settings.json: %w", err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (s *Service) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Enabled reports whether notifications of the given kind are on.
// Kinds default to enabled until the user turns them off.
func (s *Service) Enabled(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.doc.Notifications[kind]; ok && v != nil {
		return *v
	}
	return true
}

// Template returns the "title|body" override for a notification kind.
func (s *Service) Template(kind string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.doc.Templates[kind]
	return t, ok
}

// Vars returns the substitution variables the settings document contributes.
func (s *Service) Vars() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]string{
		"agent":   s.doc.AgentName,
		"model":   s.doc.ModelName,
		"project": s.doc.ProjectName,
		"branch":  s.doc.Branch,
	}
}

// ResolveWorkingDir resolves a requested terminal cwd: an empty request falls
// back to the configured working directory, then the user's home.
func (s *Service) ResolveWorkingDir(requested string) string {
	if requested != "" {
		return requested
	}
	s.mu.RLock()
	wd := s.doc.WorkingDir
	s.mu.RUnlock()
	if wd != "" {
		return wd
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ReadDoc reads an arbitrary small JSON document from the settings directory.
func (s *Service) ReadDoc(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteDoc writes an arbitrary small JSON document to the settings directory.
func (s *Service) WriteDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name+".json"), data, 0644)
}
