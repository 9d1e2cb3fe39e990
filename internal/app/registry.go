package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/odyssey-erp/authz"
)

// classSpec is the on-disk form of one resource class declaration.
type classSpec struct {
	Name            string    `json:"name"`
	Table           string    `json:"table,omitempty"`
	SystemProtected bool      `json:"system_protected,omitempty"`
	Refs            []refSpec `json:"refs,omitempty"`
	CreateRef       *refSpec  `json:"create_ref,omitempty"`
}

type refSpec struct {
	Column string `json:"column"`
	Class  string `json:"class"`
}

// LoadRegistry reads resource class declarations from a JSON file and builds
// the registry the engine checks against. Hosts embedding the library declare
// classes in code; the binaries take them declaratively so one deployment
// artifact serves any schema.
func LoadRegistry(path string) (*authz.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read classes %s: %w", path, err)
	}
	var specs []classSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("app: parse classes %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("app: classes %s: no resource classes declared", path)
	}

	classes := make([]*authz.ResourceClass, 0, len(specs))
	for _, spec := range specs {
		class := &authz.ResourceClass{
			Name:            spec.Name,
			Table:           spec.Table,
			SystemProtected: spec.SystemProtected,
		}
		for _, ref := range spec.Refs {
			class.Refs = append(class.Refs, authz.Reference{Column: ref.Column, Class: ref.Class})
		}
		if spec.CreateRef != nil {
			class.CreateRef = &authz.Reference{Column: spec.CreateRef.Column, Class: spec.CreateRef.Class}
		}
		classes = append(classes, class)
	}
	return authz.NewRegistry(classes...)
}
