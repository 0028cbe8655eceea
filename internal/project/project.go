// Package project keeps a registration session in its own folder: outputs,
// visualisations, exports and a JSON record of every processed file.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	MetadataFile      = "project_metadata.json"
	RegisteredDir     = "registered"
	VisualizationsDir = "visualizations"
	ExportsDir        = "exports"
)

// Sink receives processed-file notifications from the registration core.
type Sink interface {
	RecordProcessed(original, processed string)
}

// ProcessedFile is one input/output pair.
type ProcessedFile struct {
	OriginalPath  string    `json:"original_path" yaml:"original_path"`
	ProcessedPath string    `json:"processed_path" yaml:"processed_path"`
	ProcessedAt   time.Time `json:"processed_at" yaml:"processed_at"`
}

// Metadata is the content of project_metadata.json.
type Metadata struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
	LastModified   time.Time       `json:"last_modified"`
	ProcessedFiles []ProcessedFile `json:"processed_files"`
}

// Manager owns one project folder. It is safe for concurrent use.
type Manager struct {
	dir  string
	log  *slog.Logger
	mu   sync.Mutex
	meta Metadata
}

// Create makes root/name with its sub-folders and an empty metadata file.
// An empty name becomes project_<timestamp>.
func Create(root, name, description string, log *slog.Logger) (*Manager, error) {
	now := time.Now()
	if name == "" {
		name = "project_" + now.Format("20060102_150405")
	}
	dir := filepath.Join(root, name)
	for _, sub := range []string{RegisteredDir, VisualizationsDir, ExportsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create project folder: %w", err)
		}
	}
	m := &Manager{dir: dir, log: orDefault(log), meta: Metadata{
		Name:           name,
		Description:    description,
		CreatedAt:      now,
		LastModified:   now,
		ProcessedFiles: []ProcessedFile{},
	}}
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open loads an existing project folder.
func Open(dir string, log *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open project: %w", err)
	}
	m := &Manager{dir: dir, log: orDefault(log)}
	if err := json.Unmarshal(data, &m.meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFile, err)
	}
	return m, nil
}

// OpenOrCreate opens dir when it already holds a project and creates it
// otherwise.
func OpenOrCreate(dir, description string, log *slog.Logger) (*Manager, error) {
	m, err := Open(dir, log)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return Create(filepath.Dir(dir), filepath.Base(dir), description, log)
}

func (m *Manager) Dir() string               { return m.dir }
func (m *Manager) RegisteredDir() string     { return filepath.Join(m.dir, RegisteredDir) }
func (m *Manager) VisualizationsDir() string { return filepath.Join(m.dir, VisualizationsDir) }
func (m *Manager) ExportsDir() string        { return filepath.Join(m.dir, ExportsDir) }

// Metadata returns a copy of the current bookkeeping.
func (m *Manager) Metadata() Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.meta
	out.ProcessedFiles = append([]ProcessedFile(nil), m.meta.ProcessedFiles...)
	return out
}

// RecordProcessed appends a processed file and saves the metadata. Failures
// are logged only.
func (m *Manager) RecordProcessed(original, processed string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.meta.ProcessedFiles = append(m.meta.ProcessedFiles, ProcessedFile{
		OriginalPath:  original,
		ProcessedPath: processed,
		ProcessedAt:   now,
	})
	m.meta.LastModified = now
	if err := m.save(); err != nil {
		m.log.Warn("project metadata not saved", "project", m.meta.Name, "error", err)
	}
}

// Report is the registration summary exported as YAML.
type Report struct {
	Project   string          `yaml:"project"`
	RunID     string          `yaml:"run_id,omitempty"`
	Generated time.Time       `yaml:"generated"`
	Counts    map[string]int  `yaml:"counts"`
	Methods   map[string]any  `yaml:"methods,omitempty"`
	Files     []ProcessedFile `yaml:"files"`
}

// ExportReport writes exports/<name>.yaml and returns its path.
func (m *Manager) ExportReport(name, runID string, counts map[string]int, methods map[string]any) (string, error) {
	meta := m.Metadata()
	data, err := yaml.Marshal(Report{
		Project:   meta.Name,
		RunID:     runID,
		Generated: time.Now(),
		Counts:    counts,
		Methods:   methods,
		Files:     meta.ProcessedFiles,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	path := filepath.Join(m.ExportsDir(), name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// HasContent reports whether any project sub-folder holds a file.
func (m *Manager) HasContent() bool {
	for _, d := range []string{m.RegisteredDir(), m.VisualizationsDir(), m.ExportsDir()} {
		if entries, err := os.ReadDir(d); err == nil && len(entries) > 0 {
			return true
		}
	}
	return false
}

// RemoveIfEmpty deletes the project folder when nothing was saved into it.
func (m *Manager) RemoveIfEmpty() (bool, error) {
	if m.HasContent() {
		return false, nil
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return false, err
	}
	return true, nil
}

// save must be called with mu held or before m is shared.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, MetadataFile), data, 0o644)
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
