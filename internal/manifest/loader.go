// Package manifest provides loading and validation for infragraph v1alpha1 deployment manifests.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/types"
)

const (
	supportedAPIVersion = "infragraph.io/v1alpha1"
	supportedKind       = "Deployment"
)

// Load reads a manifest file from path, parses it, and validates it.
// Relative rule paths in the manifest resolve against its directory.
func Load(path string) (*types.DeploymentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cfgerr.New("load manifest", fmt.Errorf("cannot read manifest %q: %w", path, err))
	}
	m, err := LoadBytes(data, path)
	if err != nil {
		return nil, err
	}
	m.BaseDir = filepath.Dir(path)
	return m, nil
}

// LoadBytes parses and validates a manifest from raw YAML bytes.
// The source parameter is used only for error messages.
func LoadBytes(data []byte, source string) (*types.DeploymentManifest, error) {
	var m types.DeploymentManifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, cfgerr.New("load manifest", fmt.Errorf("manifest %q: YAML parse error: %w", source, err))
	}
	if err := Validate(&m, source); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks a parsed DeploymentManifest for correctness and returns a
// descriptive error listing every issue found.
func Validate(m *types.DeploymentManifest, source string) error {
	var errs []string

	// Schema / version checks.
	if m.APIVersion == "" {
		errs = append(errs, fmt.Sprintf("missing required field: apiVersion (expected %q)", supportedAPIVersion))
	} else if m.APIVersion != supportedAPIVersion {
		errs = append(errs, fmt.Sprintf("unsupported apiVersion %q: only %q is supported", m.APIVersion, supportedAPIVersion))
	}

	if m.Kind == "" {
		errs = append(errs, fmt.Sprintf("missing required field: kind (expected %q)", supportedKind))
	} else if m.Kind != supportedKind {
		errs = append(errs, fmt.Sprintf("unsupported kind %q: only %q is supported", m.Kind, supportedKind))
	}

	if m.Metadata.Name == "" {
		errs = append(errs, "missing required field: metadata.name")
	}

	errs = append(errs, validateNetwork(m.Spec.Network)...)

	// Sorted so the error is stable across runs.
	names := make([]string, 0, len(m.Spec.AccessGroups))
	for name := range m.Spec.AccessGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ag := m.Spec.AccessGroups[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "spec.accessGroups: group name must not be empty or whitespace-only")
			continue
		}
		if len(ag.Rules) == 0 {
			errs = append(errs, fmt.Sprintf("spec.accessGroups.%s: at least one rules file is required", name))
		}
		for i, r := range ag.Rules {
			if strings.TrimSpace(r) == "" {
				errs = append(errs, fmt.Sprintf("spec.accessGroups.%s.rules[%d]: path must not be empty", name, i))
			}
		}
		switch ag.Header {
		case "", "auto", "present", "absent":
		default:
			errs = append(errs, fmt.Sprintf("spec.accessGroups.%s.header: %q is not one of auto, present, absent", name, ag.Header))
		}
	}

	if s := m.Spec.Service; s != nil {
		errs = append(errs, validateService(s, m.Spec.AccessGroups)...)
	}

	if p := m.Spec.Pipeline; p != nil {
		if m.Spec.Service == nil {
			errs = append(errs, "spec.pipeline: requires spec.service")
		}
		if p.Source.Owner == "" {
			errs = append(errs, "missing required field: spec.pipeline.source.owner")
		}
		if p.Source.Repo == "" {
			errs = append(errs, "missing required field: spec.pipeline.source.repo")
		}
		if p.Source.TokenSecret == "" {
			errs = append(errs, "missing required field: spec.pipeline.source.tokenSecret")
		}
		for i, v := range p.BuildEnv {
			if v.Name == "" {
				errs = append(errs, fmt.Sprintf("spec.pipeline.buildEnv[%d]: name is required", i))
			}
		}
	}

	if len(errs) > 0 {
		return cfgerr.New("validate manifest", fmt.Errorf("manifest %q is invalid:\n  - %s", source, strings.Join(errs, "\n  - ")))
	}
	return nil
}

func validateNetwork(n types.NetworkSpec) []string {
	var errs []string
	for i, s := range n.Subnets {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("spec.network.subnets[%d]: name is required", i))
		}
		switch strings.ToLower(s.Tier) {
		case "private", "public":
		default:
			errs = append(errs, fmt.Sprintf("spec.network.subnets[%d]: tier %q is not one of private, public", i, s.Tier))
		}
		if s.Zone == "" {
			errs = append(errs, fmt.Sprintf("spec.network.subnets[%d]: zone is required", i))
		}
	}
	return errs
}

func validateService(s *types.ServiceSpec, groups map[string]types.AccessGroupSpec) []string {
	var errs []string
	check := func(field, name string) {
		if name == "" {
			return
		}
		if _, ok := groups[name]; !ok {
			errs = append(errs, fmt.Sprintf("%s: access group %q is not declared in spec.accessGroups", field, name))
		}
	}
	check("spec.service.loadBalancer.accessGroup", s.LoadBalancer.AccessGroup)
	for i, g := range s.AccessGroups {
		check(fmt.Sprintf("spec.service.accessGroups[%d]", i), g)
	}
	for i, l := range s.Listeners {
		if l.Port == 0 {
			errs = append(errs, fmt.Sprintf("spec.service.listeners[%d]: port is required", i))
		}
		if l.TargetGroup == "" {
			errs = append(errs, fmt.Sprintf("spec.service.listeners[%d]: targetGroup is required", i))
		}
	}
	for i, tg := range s.TargetGroups {
		if tg.Name == "" {
			errs = append(errs, fmt.Sprintf("spec.service.targetGroups[%d]: name is required", i))
		}
	}
	if e := s.ECSService; e != nil && e.Name == "" {
		errs = append(errs, "missing required field: spec.service.ecsService.name")
	}
	return errs
}
