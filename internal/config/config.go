// Package config loads the model registry the gateway serves.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
)

type ModelType string

const (
	ModelTypeText  ModelType = "text"
	ModelTypeImage ModelType = "image"
)

// Model is one registry entry, read from {data-dir}/{name}.json. Text models
// proxy to URL; image models load the pipeline stored at LocalPath.
type Model struct {
	ID           string    `json:"id"`
	Type         ModelType `json:"type"`
	URL          string    `json:"url,omitempty"`
	LocalPath    string    `json:"local_path,omitempty"`
	AllowedPaths []string  `json:"allowed_paths"`
}

func (m *Model) PathAllowed(endpoint string) bool {
	return slices.Contains(m.AllowedPaths, endpoint)
}

func (m *Model) validate() error {
	if m.ID == "" {
		return errors.New("model config missing id")
	}
	switch m.Type {
	case ModelTypeText:
		if m.URL == "" {
			return fmt.Errorf("text model %q missing url", m.ID)
		}
	case ModelTypeImage:
		if m.LocalPath == "" {
			return fmt.Errorf("image model %q missing local_path", m.ID)
		}
	default:
		return fmt.Errorf("model %q has unknown type %q", m.ID, m.Type)
	}
	return nil
}

// Registry is the model set the gateway serves. It is built once at startup
// and never mutated after; request handlers only read it.
type Registry struct {
	models map[string]*Model
}

func NewRegistry(models []*Model) (*Registry, error) {
	r := &Registry{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		r.models[m.ID] = m
	}
	return r, nil
}

// LoadRegistry reads one config file per name from dataDir. Names usually
// come from the MODELS environment list; blank entries are skipped.
func LoadRegistry(dataDir string, names []string) (*Registry, error) {
	var models []*Model
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m, err := loadModelFile(filepath.Join(dataDir, name+".json"))
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return NewRegistry(models)
}

func loadModelFile(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(fmt.Sprintf("failed reading model config %s", path), err)
	}
	m := &Model{Type: ModelTypeText}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, utils.Wrap(fmt.Sprintf("failed parsing model config %s", path), err)
	}
	m.URL = strings.TrimRight(m.URL, "/")
	return m, nil
}

func (r *Registry) Get(id string) (*Model, bool) {
	m, ok := r.models[id]
	return m, ok
}

// List returns the registry sorted by model id.
func (r *Registry) List() []*Model {
	models := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	slices.SortFunc(models, func(a, b *Model) int {
		return strings.Compare(a.ID, b.ID)
	})
	return models
}

func (r *Registry) Len() int {
	return len(r.models)
}
