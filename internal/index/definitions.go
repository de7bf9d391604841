package index

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Type selects how values at a path become index keys
type Type string

const (
	// TypeExist buckets documents into KNOWN or UNKNOWN by presence of a non-empty value
	TypeExist Type = "exist"
	// TypeContain indexes every element of an array
	TypeContain Type = "contain"
	// TypeMatch indexes a scalar by its exact value
	TypeMatch Type = "match"
	// TypeLinks indexes every referenced id without an UNKNOWN bucket
	TypeLinks Type = "links"
)

// Definition configures one index
type Definition struct {
	// Path is a dotted path into the JSON form of a document
	Path                  string `yaml:"path"`
	Type                  Type   `yaml:"type"`
	RecursivelySearchable bool   `yaml:"recursively_searchable,omitempty"`
}

// Definitions maps index name to definition
type Definitions map[string]Definition

type definitionsFile struct {
	Indexes Definitions `yaml:"indexes"`
}

// DefaultDefinitions returns the indexes used for field records
func DefaultDefinitions() Definitions {
	return Definitions{
		"isRecordedIn:contain": {Path: "resource.relations.isRecordedIn", Type: TypeContain},
		"liesWithin:contain":   {Path: "resource.relations.liesWithin", Type: TypeContain, RecursivelySearchable: true},
		"liesWithin:exist":     {Path: "resource.relations.liesWithin", Type: TypeExist},
		"depicts:contain":      {Path: "resource.relations.depicts", Type: TypeContain},
		"depicts:exist":        {Path: "resource.relations.depicts", Type: TypeExist},
		"isDepictedIn:exist":   {Path: "resource.relations.isDepictedIn", Type: TypeExist},
		"isDepictedIn:links":   {Path: "resource.relations.isDepictedIn", Type: TypeLinks},
		"isInstanceOf:contain": {Path: "resource.relations.isInstanceOf", Type: TypeContain},
		"identifier:match":     {Path: "resource.identifier", Type: TypeMatch},
		"id:match":             {Path: "resource.id", Type: TypeMatch},
		"geometry:exist":       {Path: "resource.geometry", Type: TypeExist},
		"georeference:exist":   {Path: "resource.georeference", Type: TypeExist},
		"conflicts:exist":      {Path: "_conflicts", Type: TypeExist},
	}
}

// LoadDefinitions decodes definitions from YAML of the form
//
//	indexes:
//	  liesWithin:contain:
//	    path: resource.relations.liesWithin
//	    type: contain
//	    recursively_searchable: true
func LoadDefinitions(r io.Reader) (Definitions, error) {
	var f definitionsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse index definitions: %w", err)
	}
	if err := f.Indexes.Validate(); err != nil {
		return nil, err
	}
	return f.Indexes, nil
}

// LoadDefinitionsFile reads definitions from path
func LoadDefinitionsFile(path string) (Definitions, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index definitions: %w", err)
	}
	defer file.Close()
	return LoadDefinitions(file)
}

// Validate checks every definition
func (d Definitions) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("no index definitions")
	}
	for _, name := range d.Names() {
		def := d[name]
		if def.Path == "" {
			return fmt.Errorf("index %s: path is required", name)
		}
		switch def.Type {
		case TypeExist, TypeContain, TypeMatch, TypeLinks:
		default:
			return fmt.Errorf("index %s: unknown type %q", name, def.Type)
		}
		if def.RecursivelySearchable && def.Type != TypeContain {
			return fmt.Errorf("index %s: only contain indexes can be recursively searchable", name)
		}
	}
	return nil
}

// Names returns index names in sorted order
func (d Definitions) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
