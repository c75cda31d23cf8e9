// Package persona loads the persona catalogue.
//
// Each persona lives in a named subdirectory of the catalogue root and must
// contain a persona.yaml document (see common/spec/persona):
//
//	aiko/persona.yaml
//	ren/persona.yaml
package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	personaspec "github.com/bdobrica/kokoro/common/spec/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

const documentName = "persona.yaml"

//go:embed builtin
var builtinFS embed.FS

// Registry is an immutable, validated persona catalogue.
//
// Example:
//
//	reg, err := persona.Load(os.DirFS("/etc/kokoro/personas"))
//	p, ok := reg.Get("aiko")
type Registry struct {
	byID map[string]schema.Persona
	ids  []string
}

// Load reads and validates every persona under root. A directory without
// persona.yaml is skipped; an invalid document fails the whole load.
func Load(root fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}

	r := &Registry{byID: make(map[string]schema.Persona)}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(root, e.Name()+"/"+documentName)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("persona %q: %w", e.Name(), err)
		}
		doc, err := personaspec.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("persona %q: %w", e.Name(), err)
		}
		if doc.ID != e.Name() {
			return nil, fmt.Errorf("persona %q: id %q does not match directory", e.Name(), doc.ID)
		}
		r.byID[doc.ID] = fromDocument(doc)
		r.ids = append(r.ids, doc.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

// Builtin returns the catalogue shipped with the binary.
func Builtin() *Registry {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(fmt.Sprintf("persona: builtin catalogue: %v", err))
	}
	r, err := Load(sub)
	if err != nil {
		panic(fmt.Sprintf("persona: builtin catalogue: %v", err))
	}
	return r
}

// Get returns the persona with the given id.
func (r *Registry) Get(id string) (schema.Persona, bool) {
	p, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return schema.Persona{}, false
	}
	p.Traits = slices.Clone(p.Traits)
	p.Moods = slices.Clone(p.Moods)
	return p, true
}

// List returns all personas ordered by id.
func (r *Registry) List() []schema.Persona {
	out := make([]schema.Persona, 0, len(r.ids))
	for _, id := range r.ids {
		p, _ := r.Get(id)
		out = append(out, p)
	}
	return out
}

// Len is the number of personas in the catalogue.
func (r *Registry) Len() int { return len(r.ids) }

func fromDocument(doc *personaspec.Document) schema.Persona {
	p := schema.Persona{
		ID:          doc.ID,
		Name:        doc.Name,
		Background:  strings.TrimSpace(doc.Background),
		Traits:      slices.Clone(doc.Traits),
		Greeting:    doc.Greeting,
		DefaultMood: doc.DefaultMood,
	}
	for _, m := range doc.Moods {
		p.Moods = append(p.Moods, schema.Mood{
			Name:          m.Name,
			ResponseStyle: m.ResponseStyle,
			Description:   m.Description,
		})
	}
	if p.DefaultMood == "" && len(p.Moods) > 0 {
		p.DefaultMood = p.Moods[0].Name
	}
	return p
}
