package schema

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the published form of a schema. Callers generate bindings from
// it and the compatibility tests diff it against earlier releases.
type Document struct {
	Interface  string        `yaml:"interface"`
	Version    uint32        `yaml:"version"`
	Methods    []MethodDoc   `yaml:"methods"`
	Properties []PropertyDoc `yaml:"properties"`
}

// MethodDoc is one method entry of a Document.
type MethodDoc struct {
	Name        string `yaml:"name" json:"name"`
	Inputs      []Arg  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Output      string `yaml:"output,omitempty" json:"output,omitempty"`
	Conditional bool   `yaml:"conditional,omitempty" json:"conditional,omitempty"`
}

// PropertyDoc is one property entry of a Document.
type PropertyDoc struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Access      string `yaml:"access" json:"access"`
	Conditional bool   `yaml:"conditional,omitempty" json:"conditional,omitempty"`
}

// Document renders the schema. Tiers are deliberately absent: whether a
// member executes locally or is relayed is not part of the public contract.
func (s *Schema) Document() Document {
	doc := Document{Interface: s.iface, Version: s.version}
	for _, m := range s.methods {
		doc.Methods = append(doc.Methods, MethodDoc{
			Name:        m.Name,
			Inputs:      m.Inputs,
			Output:      string(m.Output),
			Conditional: m.Feature != "",
		})
	}
	for _, p := range s.properties {
		doc.Properties = append(doc.Properties, PropertyDoc{
			Name:        p.Name,
			Type:        string(p.Type),
			Access:      p.Access.String(),
			Conditional: p.Feature != "",
		})
	}
	return doc
}

// WriteYAML writes the schema document to w.
func (s *Schema) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.Document()); err != nil {
		return fmt.Errorf("encoding schema document: %w", err)
	}
	return enc.Close()
}

// ReadDocument decodes a schema document previously written by WriteYAML.
func ReadDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding schema document: %w", err)
	}
	return &doc, nil
}

// Compatible reports the members of older that newer drops or reshapes.
// An empty result means newer is a strictly additive evolution of older.
func Compatible(older, newer *Document) []string {
	var problems []string
	if newer.Interface != older.Interface {
		problems = append(problems, fmt.Sprintf("interface renamed %s -> %s", older.Interface, newer.Interface))
	}
	if newer.Version < older.Version {
		problems = append(problems, fmt.Sprintf("version went backwards %d -> %d", older.Version, newer.Version))
	}

	methods := make(map[string]MethodDoc, len(newer.Methods))
	for _, m := range newer.Methods {
		methods[m.Name] = m
	}
	for _, old := range older.Methods {
		m, ok := methods[old.Name]
		if !ok {
			problems = append(problems, "method removed: "+old.Name)
			continue
		}
		if m.Output != old.Output || !sameArgs(m.Inputs, old.Inputs) {
			problems = append(problems, "method signature changed: "+old.Name)
		}
	}

	props := make(map[string]PropertyDoc, len(newer.Properties))
	for _, p := range newer.Properties {
		props[p.Name] = p
	}
	for _, old := range older.Properties {
		p, ok := props[old.Name]
		if !ok {
			problems = append(problems, "property removed: "+old.Name)
			continue
		}
		if p.Type != old.Type || (old.Access == ReadWrite.String() && p.Access != old.Access) {
			problems = append(problems, "property signature changed: "+old.Name)
		}
	}

	if len(problems) == 0 && (len(newer.Methods) > len(older.Methods) || len(newer.Properties) > len(older.Properties)) &&
		newer.Version == older.Version {
		problems = append(problems, "members added without a version bump")
	}
	return problems
}

func sameArgs(a, b []Arg) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
