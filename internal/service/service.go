// Package service declares the container service that runs inside the
// network: image repository, cluster, task definition, load balancer and the
// blue/green target groups and listeners in front of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/graph"
	"github.com/h3ow3d/infragraph/internal/network"
	"github.com/h3ow3d/infragraph/internal/rules"
)

var (
	// ErrUnknownTargetGroup is returned when a listener names a target
	// group that was not declared.
	ErrUnknownTargetGroup = errors.New("unknown target group")
	// ErrDuplicateListenerPort is returned when two listeners share a port.
	ErrDuplicateListenerPort = errors.New("duplicate listener port")
	// ErrUnknownAccessGroup is returned when the service references an
	// access group that was not compiled.
	ErrUnknownAccessGroup = errors.New("unknown access group")
	// ErrInvalidService is returned for any other invalid setting.
	ErrInvalidService = errors.New("invalid service")
)

const opBuild = "build service"

const taskExecutionPolicy = "service-role/AmazonECSTaskExecutionRolePolicy"

// maxStickiness is the longest lb_cookie duration a load balancer accepts.
const maxStickiness = 7 * 24 * time.Hour

// TargetGroupSpec describes one target group.
type TargetGroupSpec struct {
	Name            string
	HealthCheckPath string
	Stickiness      time.Duration
}

// ListenerSpec binds a load balancer port to a target group by name.
type ListenerSpec struct {
	Port        uint16
	TargetGroup string
}

// Config describes the service to declare.
type Config struct {
	Region           string
	Repository       string
	Cluster          string
	Family           string
	ExecutionRole    string
	CPU              string
	Memory           string
	Container        string
	ContainerPort    uint16
	ImageTag         string
	LogRetentionDays int

	LoadBalancer string
	// LoadBalancerGroup is the access group attached to the load balancer.
	LoadBalancerGroup string
	// ServiceGroups are the access groups attached to the running tasks.
	ServiceGroups []string

	TargetGroups []TargetGroupSpec
	Listeners    []ListenerSpec

	// ServiceName enables the ECS service when set.
	ServiceName  string
	DesiredCount int
}

// DefaultConfig returns the demo service: one Fargate container on port
// 8080 behind blue (80) and green (8080) listeners.
func DefaultConfig(region string) Config {
	return Config{
		Region:            region,
		Repository:        "demo-repository",
		Cluster:           "DEMO-CLUSTER",
		Family:            "DEMO-TASK",
		ExecutionRole:     "DEMO-TASK-EXECUTION-ROLE",
		CPU:               "2048",
		Memory:            "8192",
		Container:         "DEMO-CONTAINER",
		ContainerPort:     8080,
		ImageTag:          "latest",
		LoadBalancer:      "DEMO-ALB",
		LoadBalancerGroup: "DEMO-ALB-SG",
		ServiceGroups:     []string{"DEMO-SERVICE-SG"},
		TargetGroups: []TargetGroupSpec{
			{Name: "DEMO-BLUE-TG", HealthCheckPath: "/login", Stickiness: 1800 * time.Second},
			{Name: "DEMO-GREEN-TG", HealthCheckPath: "/login", Stickiness: 1800 * time.Second},
		},
		Listeners: []ListenerSpec{
			{Port: 80, TargetGroup: "DEMO-BLUE-TG"},
			{Port: 8080, TargetGroup: "DEMO-GREEN-TG"},
		},
	}
}

// TargetGroup is a declared target group.
type TargetGroup struct {
	TargetGroupSpec
	Ref graph.Ref
}

// Listener is a declared listener.
type Listener struct {
	ListenerSpec
	Ref graph.Ref
}

// Topology holds references to every node Build declared.
type Topology struct {
	Cluster        graph.Ref
	TaskDefinition graph.Ref
	Repository     graph.Ref
	LogGroup       graph.Ref
	ExecutionRole  graph.Ref
	LoadBalancer   graph.Ref
	// Service is the zero Ref when no ECS service was requested.
	Service graph.Ref

	ClusterName       string
	ServiceName       string
	RepositoryName    string
	ExecutionRoleName string
	Family            string
	Container         string
	ContainerPort     uint16
	CPU               string
	Memory            string

	// SecurityGroups maps access group names to their declared groups.
	SecurityGroups map[string]graph.Ref
	TargetGroups   []TargetGroup
	Listeners      []Listener
}

// Binding returns the name of the target group behind port.
func (t *Topology) Binding(port uint16) (string, bool) {
	for _, l := range t.Listeners {
		if l.Port == port {
			return l.TargetGroup, true
		}
	}
	return "", false
}

// TargetGroup returns the declared target group called name.
func (t *Topology) TargetGroup(name string) (TargetGroup, bool) {
	for _, tg := range t.TargetGroups {
		if tg.Name == name {
			return tg, true
		}
	}
	return TargetGroup{}, false
}

func (cfg Config) validate() error {
	var errs []string
	required := []struct{ field, value string }{
		{"region", cfg.Region},
		{"repository", cfg.Repository},
		{"cluster", cfg.Cluster},
		{"family", cfg.Family},
		{"executionRole", cfg.ExecutionRole},
		{"cpu", cfg.CPU},
		{"memory", cfg.Memory},
		{"container", cfg.Container},
		{"loadBalancer", cfg.LoadBalancer},
		{"loadBalancerGroup", cfg.LoadBalancerGroup},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, r.field+" is required")
		}
	}
	for _, v := range []struct{ field, value string }{{"cpu", cfg.CPU}, {"memory", cfg.Memory}} {
		if v.value == "" {
			continue
		}
		if n, err := strconv.Atoi(v.value); err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("%s %q is not a positive integer", v.field, v.value))
		}
	}
	if cfg.ContainerPort == 0 {
		errs = append(errs, "containerPort is required")
	}
	if cfg.LogRetentionDays < 0 {
		errs = append(errs, "logRetentionDays must not be negative")
	}
	if len(cfg.TargetGroups) == 0 {
		errs = append(errs, "at least one target group is required")
	}
	if len(cfg.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	seen := make(map[string]bool)
	for _, tg := range cfg.TargetGroups {
		switch {
		case tg.Name == "":
			errs = append(errs, "target group name is required")
		case seen[tg.Name]:
			errs = append(errs, fmt.Sprintf("target group %s declared twice", tg.Name))
		}
		seen[tg.Name] = true
		if !strings.HasPrefix(tg.HealthCheckPath, "/") {
			errs = append(errs, fmt.Sprintf("target group %s: health check path %q must start with /", tg.Name, tg.HealthCheckPath))
		}
		if tg.Stickiness < time.Second || tg.Stickiness > maxStickiness {
			errs = append(errs, fmt.Sprintf("target group %s: stickiness %s outside 1s..%s", tg.Name, tg.Stickiness, maxStickiness))
		}
	}
	if cfg.ServiceName != "" && cfg.DesiredCount < 0 {
		errs = append(errs, "desiredCount must not be negative")
	}
	if len(errs) > 0 {
		return cfgerr.Newf(opBuild, ErrInvalidService, "\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Build declares the service described by cfg on top of nw. groups are
// the compiled access groups; each becomes one security group.
func Build(ctx context.Context, g *graph.Graph, nw *network.Network, groups []*rules.AccessGroup, cfg Config) (*Topology, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if nw == nil {
		return nil, cfgerr.Newf(opBuild, graph.ErrDanglingReference, "service requires a network")
	}
	log := clog.FromContext(ctx).With("cluster", cfg.Cluster)

	byName := make(map[string]*rules.AccessGroup, len(groups))
	for _, ag := range groups {
		byName[ag.Name] = ag
	}
	for _, name := range append([]string{cfg.LoadBalancerGroup}, cfg.ServiceGroups...) {
		if _, ok := byName[name]; !ok {
			return nil, cfgerr.Newf(opBuild, ErrUnknownAccessGroup, "%s", name)
		}
	}

	b := &builder{g: g}
	t := &Topology{
		ClusterName:       cfg.Cluster,
		ServiceName:       cfg.ServiceName,
		RepositoryName:    cfg.Repository,
		Family:            cfg.Family,
		Container:         cfg.Container,
		ContainerPort:     cfg.ContainerPort,
		CPU:               cfg.CPU,
		Memory:            cfg.Memory,
		ExecutionRoleName: cfg.ExecutionRole,
		SecurityGroups:    make(map[string]graph.Ref, len(groups)),
	}

	t.Repository = b.add(graph.Node{Name: "Repository", Kind: graph.KindRepository, Properties: map[string]any{
		"RepositoryName": cfg.Repository,
	}})

	logGroup := map[string]any{"LogGroupName": "/ecs/" + cfg.Family}
	if cfg.LogRetentionDays > 0 {
		logGroup["RetentionInDays"] = cfg.LogRetentionDays
	}
	t.LogGroup = b.add(graph.Node{Name: "LogGroup", Kind: graph.KindLogGroup, Properties: logGroup})

	t.ExecutionRole = b.add(graph.Node{Name: "ExecutionRole", Kind: graph.KindRole, Properties: map[string]any{
		"RoleName":                 cfg.ExecutionRole,
		"AssumeRolePolicyDocument": AssumeRolePolicy("ecs-tasks.amazonaws.com"),
		"ManagedPolicyArns":        []any{ManagedPolicyARN(taskExecutionPolicy)},
	}})

	for _, ag := range groups {
		ref := b.add(graph.Node{
			Name: "SecurityGroup" + network.LogicalSuffix(ag.Name),
			Kind: graph.KindSecurityGroup,
			Properties: map[string]any{
				"GroupName":            ag.Name,
				"GroupDescription":     groupDescription(ag),
				"VpcId":                nw.VPC,
				"SecurityGroupIngress": Ingress(ag.Permissions()),
				"Tags":                 network.Tags(ag.Name, nil),
			},
		})
		t.SecurityGroups[ag.Name] = ref
		log.Debug("declared security group", "group", ag.Name, "rules", len(ag.Rules()))
	}

	t.Cluster = b.add(graph.Node{Name: "Cluster", Kind: graph.KindCluster, Properties: map[string]any{
		"ClusterName": cfg.Cluster,
		"Tags":        network.Tags(cfg.Cluster, map[string]string{"vpc": nw.Name}),
	}})

	roleArn := t.ExecutionRole.GetAtt("Arn")
	t.TaskDefinition = b.add(graph.Node{Name: "TaskDefinition", Kind: graph.KindTaskDefinition, Properties: map[string]any{
		"Family":                  cfg.Family,
		"Cpu":                     cfg.CPU,
		"Memory":                  cfg.Memory,
		"NetworkMode":             "awsvpc",
		"RequiresCompatibilities": []any{"FARGATE"},
		"ExecutionRoleArn":        roleArn,
		"TaskRoleArn":             roleArn,
		"ContainerDefinitions": []any{map[string]any{
			"Name":      cfg.Container,
			"Essential": true,
			"Image": graph.Join{Parts: []any{
				t.Repository.GetAtt("RepositoryUri"), ":" + imageTag(cfg),
			}},
			"PortMappings": []any{map[string]any{
				"ContainerPort": int(cfg.ContainerPort),
				"Protocol":      "tcp",
			}},
			"LogConfiguration": map[string]any{
				"LogDriver": "awslogs",
				"Options": map[string]any{
					"awslogs-group":         t.LogGroup,
					"awslogs-region":        cfg.Region,
					"awslogs-stream-prefix": "ecs",
				},
			},
		}},
	}})

	t.LoadBalancer = b.add(graph.Node{Name: "LoadBalancer", Kind: graph.KindLoadBalancer, Properties: map[string]any{
		"Name":           cfg.LoadBalancer,
		"Type":           "application",
		"Scheme":         "internet-facing",
		"Subnets":        refs(nw.SubnetRefs(network.TierPublic)),
		"SecurityGroups": []any{t.SecurityGroups[cfg.LoadBalancerGroup].GetAtt("GroupId")},
	}})

	for _, spec := range cfg.TargetGroups {
		ref := b.add(graph.Node{
			Name: "TargetGroup" + network.LogicalSuffix(spec.Name),
			Kind: graph.KindTargetGroup,
			Properties: map[string]any{
				"Name":            spec.Name,
				"Port":            80,
				"Protocol":        "HTTP",
				"TargetType":      "ip",
				"VpcId":           nw.VPC,
				"HealthCheckPath": spec.HealthCheckPath,
				"TargetGroupAttributes": []any{
					attribute("stickiness.enabled", "true"),
					attribute("stickiness.type", "lb_cookie"),
					attribute("stickiness.lb_cookie.duration_seconds", strconv.Itoa(int(spec.Stickiness/time.Second))),
				},
			},
		})
		t.TargetGroups = append(t.TargetGroups, TargetGroup{TargetGroupSpec: spec, Ref: ref})
	}

	ports := make(map[uint16]bool, len(cfg.Listeners))
	for _, spec := range cfg.Listeners {
		if ports[spec.Port] {
			return nil, cfgerr.Newf(opBuild, ErrDuplicateListenerPort, "%d", spec.Port)
		}
		ports[spec.Port] = true

		tg, ok := t.TargetGroup(spec.TargetGroup)
		if !ok {
			return nil, cfgerr.Newf(opBuild, ErrUnknownTargetGroup, "listener on port %d forwards to %q", spec.Port, spec.TargetGroup)
		}
		ref := b.add(graph.Node{
			Name: "Listener" + strconv.Itoa(int(spec.Port)),
			Kind: graph.KindListener,
			Properties: map[string]any{
				"LoadBalancerArn": t.LoadBalancer,
				"Port":            int(spec.Port),
				"Protocol":        "HTTP",
				"DefaultActions": []any{map[string]any{
					"Type":           "forward",
					"TargetGroupArn": tg.Ref,
				}},
			},
		})
		t.Listeners = append(t.Listeners, Listener{ListenerSpec: spec, Ref: ref})
		log.Debug("bound listener", "port", spec.Port, "targetGroup", spec.TargetGroup)
	}

	if cfg.ServiceName != "" {
		t.Service = b.declareService(cfg, nw, t)
	}

	if b.err != nil {
		return nil, b.err
	}
	return t, nil
}

func (b *builder) declareService(cfg Config, nw *network.Network, t *Topology) graph.Ref {
	var groups []any
	for _, name := range cfg.ServiceGroups {
		groups = append(groups, t.SecurityGroups[name].GetAtt("GroupId"))
	}
	first := t.Listeners[0]
	tg, _ := t.TargetGroup(first.TargetGroup)
	return b.add(graph.Node{
		Name:      "Service",
		Kind:      graph.KindService,
		DependsOn: []string{first.Ref.Name},
		Properties: map[string]any{
			"ServiceName":          cfg.ServiceName,
			"Cluster":              t.Cluster,
			"TaskDefinition":       t.TaskDefinition,
			"DesiredCount":         cfg.DesiredCount,
			"LaunchType":           "FARGATE",
			"DeploymentController": map[string]any{"Type": "CODE_DEPLOY"},
			"NetworkConfiguration": map[string]any{
				"AwsvpcConfiguration": map[string]any{
					"AssignPublicIp": "DISABLED",
					"Subnets":        refs(nw.SubnetRefs(network.TierPrivate)),
					"SecurityGroups": groups,
				},
			},
			"LoadBalancers": []any{map[string]any{
				"ContainerName":  cfg.Container,
				"ContainerPort":  int(cfg.ContainerPort),
				"TargetGroupArn": tg.Ref,
			}},
		},
	})
}

// Ingress renders EC2 permissions as security group ingress entries, one
// per peer.
func Ingress(perms []ec2types.IpPermission) []any {
	out := []any{}
	for _, p := range perms {
		base := func(desc *string) map[string]any {
			m := map[string]any{
				"IpProtocol": aws.ToString(p.IpProtocol),
				"FromPort":   int(aws.ToInt32(p.FromPort)),
				"ToPort":     int(aws.ToInt32(p.ToPort)),
			}
			if desc != nil {
				m["Description"] = *desc
			}
			return m
		}
		for _, r := range p.IpRanges {
			m := base(r.Description)
			m["CidrIp"] = aws.ToString(r.CidrIp)
			out = append(out, m)
		}
		for _, pl := range p.PrefixListIds {
			m := base(pl.Description)
			m["SourcePrefixListId"] = aws.ToString(pl.PrefixListId)
			out = append(out, m)
		}
	}
	return out
}

type builder struct {
	g   *graph.Graph
	err error
}

func (b *builder) add(n graph.Node) graph.Ref {
	if b.err != nil {
		return graph.Ref{Name: n.Name}
	}
	ref, err := b.g.Add(n)
	if err != nil {
		b.err = err
	}
	return ref
}

func groupDescription(ag *rules.AccessGroup) string {
	if ag.Description != "" {
		return ag.Description
	}
	return ag.Name
}

func imageTag(cfg Config) string {
	if cfg.ImageTag == "" {
		return "latest"
	}
	return cfg.ImageTag
}

func attribute(key, value string) map[string]any {
	return map[string]any{"Key": key, "Value": value}
}

func refs(rs []graph.Ref) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, r)
	}
	return out
}
