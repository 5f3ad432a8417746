package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"wind-telemetry-platform/telemetry/internal/records"
)

// plan is the YAML job file accepted by --plan.
//
//	tenant: 6f1c...
//	base_path: /data/scada
//	imports:
//	  - site: WF01
//	    kinds: [WSD, SEL]
//	  - site: WF02
//	    kinds: [all]
type plan struct {
	Tenant   string       `yaml:"tenant"`
	BasePath string       `yaml:"base_path"`
	Detect   bool         `yaml:"detect"`
	Imports  []planImport `yaml:"imports"`
}

type planImport struct {
	Site  string   `yaml:"site"`
	Kinds []string `yaml:"kinds"`
	Files []string `yaml:"files"`
}

type job struct {
	Site  string
	Kind  records.Kind
	Files []string
}

func loadPlan(path string) (plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return plan{}, fmt.Errorf("read plan: %w", err)
	}
	var p plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return plan{}, fmt.Errorf("parse plan: %w", err)
	}
	return p, nil
}

func (p plan) tenantID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(p.Tenant))
	if err != nil {
		return uuid.Nil, fmt.Errorf("tenant must be a uuid: %w", err)
	}
	return id, nil
}

// jobs expands kinds, where "all" means every record kind. Explicit files
// are only valid with a single kind.
func (p plan) jobs() ([]job, error) {
	var out []job
	for i, imp := range p.Imports {
		site := strings.TrimSpace(imp.Site)
		if site == "" {
			return nil, fmt.Errorf("imports[%d]: site is required", i)
		}
		kinds, err := expandKinds(imp.Kinds)
		if err != nil {
			return nil, fmt.Errorf("imports[%d]: %w", i, err)
		}
		if len(imp.Files) > 0 && len(kinds) != 1 {
			return nil, fmt.Errorf("imports[%d]: files require exactly one kind", i)
		}
		for _, k := range kinds {
			out = append(out, job{Site: site, Kind: k, Files: imp.Files})
		}
	}
	if len(out) == 0 && !p.Detect {
		return nil, errors.New("plan has no imports")
	}
	return out, nil
}

func expandKinds(raw []string) ([]records.Kind, error) {
	if len(raw) == 0 {
		return nil, errors.New("kinds is required")
	}
	seen := map[records.Kind]bool{}
	var out []records.Kind
	for _, r := range raw {
		if strings.EqualFold(strings.TrimSpace(r), "all") {
			for _, desc := range records.All() {
				if !seen[desc.Kind] {
					seen[desc.Kind] = true
					out = append(out, desc.Kind)
				}
			}
			continue
		}
		k, err := records.ParseKind(r)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}
