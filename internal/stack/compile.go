// Package stack is the compilation entry point: it turns a deployment
// manifest into a resource graph by running the build plan, and synthesizes
// the result as a template for the apply engine.
package stack

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/graph"
	"github.com/h3ow3d/infragraph/internal/network"
	"github.com/h3ow3d/infragraph/internal/pipeline"
	"github.com/h3ow3d/infragraph/internal/plan"
	"github.com/h3ow3d/infragraph/internal/rules"
	"github.com/h3ow3d/infragraph/internal/service"
	"github.com/h3ow3d/infragraph/internal/types"
)

// Step names of the build plan.
const (
	StepAccessGroups = "access-groups"
	StepNetwork      = "network"
	StepService      = "service"
	StepPipeline     = "pipeline"
)

// Options tune a compilation.
type Options struct {
	// StrictRuleKinds rejects rule kinds other than any_ipv4, prefix, cidr
	// and ipv4 instead of reading them as CIDR rules.
	StrictRuleKinds bool
}

// Snapshot is the result of one compilation. It is not modified after
// Compile returns.
type Snapshot struct {
	Name         string
	Env          config.Config
	Graph        *graph.Graph
	AccessGroups []*rules.AccessGroup
	Network      *network.Network
	Service      *service.Topology
	Pipeline     *pipeline.Pipeline
	// PipelineConfig is the resolved pipeline configuration, set when
	// Pipeline is.
	PipelineConfig pipeline.Config
	Order          []string
}

// Compile validates env, then builds every section of m in plan order.
// Nothing is returned unless every step succeeds.
func Compile(ctx context.Context, env config.Config, m *types.DeploymentManifest, opts Options) (*Snapshot, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	p, snap, err := NewPlan(env, m, opts)
	if err != nil {
		return nil, err
	}
	order, err := p.Order()
	if err != nil {
		return nil, err
	}
	snap.Order = order

	log := clog.FromContext(ctx).With("deployment", m.Metadata.Name)
	if err := p.Run(clog.WithLogger(ctx, log)); err != nil {
		return nil, err
	}
	log.Debug("compiled deployment", "nodes", snap.Graph.Len(), "steps", strings.Join(order, ","))
	return snap, nil
}

// NewPlan returns the build plan for m and the snapshot its steps fill in.
// Sections missing from the manifest have no step.
func NewPlan(env config.Config, m *types.DeploymentManifest, opts Options) (*plan.Plan, *Snapshot, error) {
	snap := &Snapshot{Name: m.Metadata.Name, Env: env, Graph: graph.New()}
	p := plan.New()

	steps := []plan.Step{
		{Name: StepAccessGroups, Run: func(ctx context.Context) error {
			groups, err := compileAccessGroups(ctx, m, opts)
			snap.AccessGroups = groups
			return err
		}},
		{Name: StepNetwork, Run: func(ctx context.Context) error {
			cfg, err := NetworkConfig(env, m.Spec.Network)
			if err != nil {
				return err
			}
			snap.Network, err = network.Build(ctx, snap.Graph, cfg)
			return err
		}},
	}
	if s := m.Spec.Service; s != nil {
		steps = append(steps, plan.Step{Name: StepService, After: []string{StepNetwork, StepAccessGroups}, Run: func(ctx context.Context) error {
			var err error
			snap.Service, err = service.Build(ctx, snap.Graph, snap.Network, snap.AccessGroups, ServiceConfig(env, s))
			return err
		}})
	}
	if ps := m.Spec.Pipeline; ps != nil {
		steps = append(steps, plan.Step{Name: StepPipeline, After: []string{StepService}, Run: func(ctx context.Context) error {
			cfg := PipelineConfig(snap.Service, ps)
			var err error
			snap.Pipeline, err = pipeline.Build(ctx, snap.Graph, env, snap.Service, cfg)
			if err == nil {
				snap.PipelineConfig = cfg
			}
			return err
		}})
	}
	for _, s := range steps {
		if err := p.Add(s); err != nil {
			return nil, nil, err
		}
	}
	return p, snap, nil
}

func compileAccessGroups(ctx context.Context, m *types.DeploymentManifest, opts Options) ([]*rules.AccessGroup, error) {
	names := make([]string, 0, len(m.Spec.AccessGroups))
	for name := range m.Spec.AccessGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	log := clog.FromContext(ctx)
	groups := make([]*rules.AccessGroup, 0, len(names))
	for _, name := range names {
		spec := m.Spec.AccessGroups[name]
		header, err := ParseHeader(spec.Header)
		if err != nil {
			return nil, err
		}
		desc := spec.Description
		if desc == "" {
			desc = name
		}
		ag := rules.NewAccessGroup(name, desc)
		loader := rules.Loader{Header: header, Strict: opts.StrictRuleKinds}
		for _, path := range spec.Rules {
			if err := rules.Compile(ag, loader.Rows(m.ResolvePath(path))); err != nil {
				return nil, fmt.Errorf("access group %s: %w", name, err)
			}
		}
		ag.Freeze()
		log.Debug("compiled access group", "group", name, "rules", len(ag.Rules()))
		groups = append(groups, ag)
	}
	return groups, nil
}

// ParseHeader maps a manifest header setting to a loader mode.
func ParseHeader(s string) (rules.HeaderMode, error) {
	switch s {
	case "", "auto":
		return rules.HeaderAuto, nil
	case "present":
		return rules.HeaderPresent, nil
	case "absent":
		return rules.HeaderAbsent, nil
	}
	return rules.HeaderAuto, cfgerr.New("access groups", fmt.Errorf("unknown header mode %q", s))
}

// NetworkConfig overlays the manifest network section on the default
// layout for env.Region.
func NetworkConfig(env config.Config, spec types.NetworkSpec) (network.Config, error) {
	cfg := network.DefaultConfig(env.Region)
	if spec.Name != "" {
		cfg.Name = spec.Name
	}
	if spec.CIDR != "" && spec.CIDR != cfg.CIDR {
		cfg.CIDR = spec.CIDR
		// The default blocks belong to the default VPC range.
		for i := range cfg.Subnets {
			cfg.Subnets[i].CIDR = ""
		}
	}
	if spec.NATSubnet != "" {
		cfg.NATSubnet = spec.NATSubnet
	}
	if len(spec.Tags) > 0 {
		cfg.Tags = spec.Tags
	}
	if len(spec.Subnets) > 0 {
		cfg.Subnets = cfg.Subnets[:0:0]
		for _, s := range spec.Subnets {
			tier, err := network.ParseTier(s.Tier)
			if err != nil {
				return cfg, cfgerr.New("network", fmt.Errorf("subnet %s: %w", s.Name, err))
			}
			zone := s.Zone
			if len(zone) == 1 {
				zone = env.Zone(zone)
			}
			cfg.Subnets = append(cfg.Subnets, network.SubnetSpec{Name: s.Name, Tier: tier, CIDR: s.CIDR, Zone: zone})
		}
	}
	return cfg, nil
}

// ServiceConfig overlays the manifest service section on the demo service.
func ServiceConfig(env config.Config, spec *types.ServiceSpec) service.Config {
	cfg := service.DefaultConfig(env.Region)
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Repository, spec.Repository)
	set(&cfg.Cluster, spec.Cluster)
	set(&cfg.Family, spec.Family)
	set(&cfg.ExecutionRole, spec.ExecutionRole)
	set(&cfg.CPU, spec.CPU)
	set(&cfg.Memory, spec.Memory)
	set(&cfg.Container, spec.Container)
	set(&cfg.ImageTag, spec.ImageTag)
	set(&cfg.LoadBalancer, spec.LoadBalancer.Name)
	set(&cfg.LoadBalancerGroup, spec.LoadBalancer.AccessGroup)
	if spec.ContainerPort != 0 {
		cfg.ContainerPort = spec.ContainerPort
	}
	cfg.LogRetentionDays = spec.LogRetentionDays
	if len(spec.AccessGroups) > 0 {
		cfg.ServiceGroups = spec.AccessGroups
	}

	if len(spec.TargetGroups) > 0 {
		def := cfg.TargetGroups[0]
		cfg.TargetGroups = nil
		for _, tg := range spec.TargetGroups {
			out := service.TargetGroupSpec{Name: tg.Name, HealthCheckPath: def.HealthCheckPath, Stickiness: def.Stickiness}
			set(&out.HealthCheckPath, tg.HealthCheckPath)
			if tg.Stickiness != 0 {
				out.Stickiness = tg.Stickiness
			}
			cfg.TargetGroups = append(cfg.TargetGroups, out)
		}
	}
	if len(spec.Listeners) > 0 {
		cfg.Listeners = nil
		for _, l := range spec.Listeners {
			cfg.Listeners = append(cfg.Listeners, service.ListenerSpec{Port: l.Port, TargetGroup: l.TargetGroup})
		}
	}
	if e := spec.ECSService; e != nil {
		cfg.ServiceName = e.Name
		cfg.DesiredCount = e.DesiredCount
	}
	return cfg
}

// PipelineConfig overlays the manifest pipeline section on the demo
// pipeline for top.
func PipelineConfig(top *service.Topology, spec *types.PipelineSpec) pipeline.Config {
	cfg := pipeline.DefaultConfig(top)
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Name, spec.Name)
	set(&cfg.SourceBucket, spec.SourceBucket)
	set(&cfg.ArtifactBucket, spec.ArtifactBucket)
	set(&cfg.BuildRole, spec.BuildRole)
	set(&cfg.PipelineRole, spec.PipelineRole)
	set(&cfg.Project, spec.Project)
	set(&cfg.BuildImage, spec.BuildImage)
	set(&cfg.BuildSpec, spec.BuildSpec)
	set(&cfg.Application, spec.Deploy.Application)
	set(&cfg.DeploymentGroup, spec.Deploy.DeploymentGroup)
	set(&cfg.ImagePlaceholder, spec.Deploy.ImagePlaceholder)

	cfg.Source = pipeline.GitHubSource{
		Owner:       spec.Source.Owner,
		Repo:        spec.Source.Repo,
		Branch:      spec.Source.Branch,
		TokenSecret: spec.Source.TokenSecret,
	}
	if cfg.Source.Branch == "" {
		cfg.Source.Branch = "master"
	}
	if a := spec.Artifacts; a != nil {
		cfg.SourceArtifact = a.Source
		cfg.BuildArtifact = a.Build
		cfg.DeployArtifact = a.Deploy
	}
	if len(spec.BuildEnv) > 0 {
		cfg.BuildEnv = nil
		for _, v := range spec.BuildEnv {
			cfg.BuildEnv = append(cfg.BuildEnv, pipeline.EnvVar{Name: v.Name, Value: v.Value})
		}
	}
	cfg.IncludeApproval = spec.IncludeApproval
	return cfg
}
