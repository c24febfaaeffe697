package store

import (
	"fmt"

	"github.com/google/uuid"
)

// TemplatePatch carries the fields to change; nil fields are kept.
type TemplatePatch struct {
	Name     *string `json:"name,omitempty"`
	Command  *string `json:"command,omitempty"`
	Category *string `json:"category,omitempty"`
}

func (s *Store) Templates() ([]Template, error) {
	var out []Template
	err := s.view(func(doc *document) error {
		out = append([]Template{}, doc.Templates...)
		return nil
	})
	return out, err
}

// AddTemplate stores tpl unless a template with the same id exists. Either
// way the given template is returned.
func (s *Store) AddTemplate(tpl Template) (Template, error) {
	err := s.update(func(doc *document) error {
		now := s.now()
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		if tpl.CreatedAt.IsZero() {
			tpl.CreatedAt = now
		}
		if tpl.UpdatedAt.IsZero() {
			tpl.UpdatedAt = now
		}
		for _, t := range doc.Templates {
			if t.ID == tpl.ID {
				return nil
			}
		}
		doc.Templates = append(doc.Templates, tpl)
		return nil
	})
	if err != nil {
		return Template{}, err
	}
	return tpl, nil
}

func (s *Store) UpdateTemplate(id string, patch TemplatePatch) (Template, error) {
	var result Template
	err := s.update(func(doc *document) error {
		for i := range doc.Templates {
			t := &doc.Templates[i]
			if t.ID != id {
				continue
			}
			if patch.Name != nil {
				t.Name = *patch.Name
			}
			if patch.Command != nil {
				t.Command = *patch.Command
			}
			if patch.Category != nil {
				t.Category = *patch.Category
			}
			t.UpdatedAt = s.now()
			result = *t
			return nil
		}
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	})
	return result, err
}

func (s *Store) DeleteTemplate(id string) error {
	return s.update(func(doc *document) error {
		kept := doc.Templates[:0]
		for _, t := range doc.Templates {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		doc.Templates = kept
		return nil
	})
}
