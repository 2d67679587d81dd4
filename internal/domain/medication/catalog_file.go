package medication

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a YAML seed catalog.
type catalogFile struct {
	Medications []*Medication `yaml:"medications"`
}

// FileCatalog is a Catalog loaded once from a YAML file. It backs local
// development and the doses CLI when no database catalog is configured.
type FileCatalog struct {
	byID       map[uuid.UUID]*Medication
	byCarePlan map[string][]*Medication
}

// LoadFileCatalog reads and validates a YAML catalog.
func LoadFileCatalog(path string) (*FileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a FileCatalog from YAML bytes.
func ParseCatalog(data []byte) (*FileCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewStaticCatalog(f.Medications...)
}

// NewStaticCatalog builds a FileCatalog from already constructed entries.
func NewStaticCatalog(meds ...*Medication) (*FileCatalog, error) {
	c := &FileCatalog{
		byID:       make(map[uuid.UUID]*Medication, len(meds)),
		byCarePlan: make(map[string][]*Medication),
	}
	for _, m := range meds {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate medication id %s", m.ID)
		}
		c.byID[m.ID] = m
		c.byCarePlan[m.CarePlanID] = append(c.byCarePlan[m.CarePlanID], m)
	}
	for _, list := range c.byCarePlan {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Name != list[j].Name {
				return list[i].Name < list[j].Name
			}
			return list[i].ID.String() < list[j].ID.String()
		})
	}
	return c, nil
}

func (c *FileCatalog) GetByID(_ context.Context, id uuid.UUID) (*Medication, error) {
	m, ok := c.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (c *FileCatalog) ListByCarePlan(_ context.Context, carePlanID string) ([]*Medication, error) {
	return cloneAll(c.byCarePlan[carePlanID]), nil
}
