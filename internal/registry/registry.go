package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	_ "embed"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

var ErrUnknownAgent = errors.New("unknown agent")

//go:embed catalog/agents.yml
var defaultCatalog []byte

type catalogEntry struct {
	ID               int      `yaml:"id"`
	Name             string   `yaml:"name"`
	Stage            string   `yaml:"stage"`
	ArtifactType     string   `yaml:"artifact_type"`
	SystemPrompt     string   `yaml:"system_prompt"`
	RequiredSections []string `yaml:"required_sections"`
	DependsOn        []int    `yaml:"depends_on"`
}

type catalogFile struct {
	Agents []catalogEntry `yaml:"agents"`
}

// Registry is the read-only agent catalog. Lookups go through an atomically
// swapped map so a reload never exposes a half-updated view.
type Registry struct {
	agents atomic.Pointer[map[int]domain.AgentDescriptor]
}

// New loads the registry from path, or from the embedded default catalog when
// path is empty.
func New(path string) (*Registry, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent catalog: %w", err)
		}
		data = b
	}
	r := &Registry{}
	if err := r.load(data); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse agent catalog: %w", err)
	}
	agents := make(map[int]domain.AgentDescriptor, len(file.Agents))
	for _, e := range file.Agents {
		if e.ID <= 0 {
			return fmt.Errorf("agent %q: id must be positive", e.Name)
		}
		if _, dup := agents[e.ID]; dup {
			return fmt.Errorf("agent id %d declared twice", e.ID)
		}
		if e.Name == "" || e.ArtifactType == "" || e.SystemPrompt == "" {
			return fmt.Errorf("agent %d: name, artifact_type and system_prompt are required", e.ID)
		}
		if domain.StageIndex(e.Stage) < 0 {
			return fmt.Errorf("agent %d: unknown stage %q", e.ID, e.Stage)
		}
		agents[e.ID] = domain.AgentDescriptor{
			ID:               e.ID,
			Name:             e.Name,
			Stage:            e.Stage,
			ArtifactType:     e.ArtifactType,
			SystemPrompt:     e.SystemPrompt,
			RequiredSections: e.RequiredSections,
			DependsOn:        e.DependsOn,
		}
	}
	for _, a := range agents {
		for _, dep := range a.DependsOn {
			upstream, ok := agents[dep]
			if !ok {
				return fmt.Errorf("agent %d depends on unknown agent %d", a.ID, dep)
			}
			if domain.StageIndex(upstream.Stage) > domain.StageIndex(a.Stage) {
				return fmt.Errorf("agent %d (stage %s) depends on later-stage agent %d (stage %s)",
					a.ID, a.Stage, dep, upstream.Stage)
			}
		}
	}
	r.agents.Store(&agents)
	return nil
}

// Reload re-reads the catalog from path and swaps the whole map at once.
func (r *Registry) Reload(path string) error {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read agent catalog: %w", err)
		}
		data = b
	}
	return r.load(data)
}

// LoadAgent returns the descriptor for the agent id.
func (r *Registry) LoadAgent(id int) (domain.AgentDescriptor, error) {
	agents := *r.agents.Load()
	a, ok := agents[id]
	if !ok {
		return domain.AgentDescriptor{}, fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	return a, nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []domain.AgentDescriptor {
	agents := *r.agents.Load()
	res := make([]domain.AgentDescriptor, 0, len(agents))
	for _, a := range agents {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// ByStage returns the descriptors tagged with the given stage, sorted by id.
func (r *Registry) ByStage(stage string) []domain.AgentDescriptor {
	var res []domain.AgentDescriptor
	for _, a := range r.List() {
		if a.Stage == stage {
			res = append(res, a)
		}
	}
	return res
}
