// Package graph holds the declarative resource graph that the builders
// produce and the apply engine consumes.
//
// Nodes are added in dependency order: Add rejects a node that references
// a logical name not already in the graph, so every graph built through it
// is acyclic by construction and its insertion order is a valid apply order.
package graph

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

var (
	// ErrDanglingReference is returned when a node depends on a name that
	// has not been declared yet.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrDuplicateNode is returned when a logical name is declared twice.
	ErrDuplicateNode = errors.New("duplicate logical name")
	// ErrCycle is returned when a dependency cycle is found.
	ErrCycle = errors.New("dependency cycle")
)

const opGraph = "resource graph"

// Kind is the resource type of a node, spelled as its CloudFormation type.
type Kind string

const (
	KindVPC                   Kind = "AWS::EC2::VPC"
	KindInternetGateway       Kind = "AWS::EC2::InternetGateway"
	KindGatewayAttachment     Kind = "AWS::EC2::VPCGatewayAttachment"
	KindSubnet                Kind = "AWS::EC2::Subnet"
	KindElasticIP             Kind = "AWS::EC2::EIP"
	KindNatGateway            Kind = "AWS::EC2::NatGateway"
	KindRouteTable            Kind = "AWS::EC2::RouteTable"
	KindRoute                 Kind = "AWS::EC2::Route"
	KindRouteTableAssociation Kind = "AWS::EC2::SubnetRouteTableAssociation"
	KindSecurityGroup         Kind = "AWS::EC2::SecurityGroup"
	KindRepository            Kind = "AWS::ECR::Repository"
	KindCluster               Kind = "AWS::ECS::Cluster"
	KindTaskDefinition        Kind = "AWS::ECS::TaskDefinition"
	KindService               Kind = "AWS::ECS::Service"
	KindLogGroup              Kind = "AWS::Logs::LogGroup"
	KindRole                  Kind = "AWS::IAM::Role"
	KindLoadBalancer          Kind = "AWS::ElasticLoadBalancingV2::LoadBalancer"
	KindTargetGroup           Kind = "AWS::ElasticLoadBalancingV2::TargetGroup"
	KindListener              Kind = "AWS::ElasticLoadBalancingV2::Listener"
	KindBucket                Kind = "AWS::S3::Bucket"
	KindBuildProject          Kind = "AWS::CodeBuild::Project"
	KindPipeline              Kind = "AWS::CodePipeline::Pipeline"
)

// Ref refers to another node by logical name.
type Ref struct {
	Name string
}

// Attr refers to an attribute of another node.
type Attr struct {
	Name      string
	Attribute string
}

// GetAtt returns a reference to attribute of the node r points at.
func (r Ref) GetAtt(attribute string) Attr {
	return Attr{Name: r.Name, Attribute: attribute}
}

// Node is one logical resource declaration.
type Node struct {
	Name       string
	Kind       Kind
	Properties map[string]any
	// DependsOn lists ordering-only dependencies; references inside
	// Properties are dependencies too and need not be repeated here.
	DependsOn []string

	deps []string
}

// Dependencies returns the sorted names of every node n depends on.
func (n *Node) Dependencies() []string {
	return slices.Clone(n.deps)
}

// Graph is an insertion-ordered set of nodes keyed by logical name.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add declares n and returns a reference to it.
func (g *Graph) Add(n Node) (Ref, error) {
	if n.Name == "" {
		return Ref{}, cfgerr.New(opGraph, errors.New("node without logical name"))
	}
	if _, ok := g.nodes[n.Name]; ok {
		return Ref{}, cfgerr.Newf(opGraph, ErrDuplicateNode, "%s", n.Name)
	}

	seen := make(map[string]bool)
	for _, d := range n.DependsOn {
		seen[d] = true
	}
	collectRefs(reflect.ValueOf(n.Properties), seen)

	deps := make([]string, 0, len(seen))
	for d := range seen {
		if d == n.Name {
			return Ref{}, cfgerr.Newf(opGraph, ErrCycle, "%s references itself", n.Name)
		}
		if _, ok := g.nodes[d]; !ok {
			return Ref{}, cfgerr.Newf(opGraph, ErrDanglingReference, "%s references undeclared %s", n.Name, d)
		}
		deps = append(deps, d)
	}
	sort.Strings(deps)

	node := n
	node.DependsOn = slices.Clone(n.DependsOn)
	node.deps = deps
	g.nodes[n.Name] = &node
	g.order = append(g.order, n.Name)
	return Ref{Name: n.Name}, nil
}

// MustRef returns a reference to an existing node, or a dangling-reference
// error naming who asked for it.
func (g *Graph) MustRef(name, from string) (Ref, error) {
	if _, ok := g.nodes[name]; !ok {
		return Ref{}, cfgerr.Newf(opGraph, ErrDanglingReference, "%s references undeclared %s", from, name)
	}
	return Ref{Name: name}, nil
}

// Node returns the node with the given logical name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name])
	}
	return out
}

// Names returns every logical name in insertion order.
func (g *Graph) Names() []string {
	return slices.Clone(g.order)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Order returns a topological order of the graph. For graphs built through
// Add it equals the insertion order.
func (g *Graph) Order() ([]string, error) {
	return TopoSort(g.order, func(name string) []string {
		return g.nodes[name].deps
	})
}

// Validate re-checks that every dependency precedes its dependent in
// insertion order.
func (g *Graph) Validate() error {
	pos := make(map[string]int, len(g.order))
	for i, name := range g.order {
		pos[name] = i
	}
	for i, name := range g.order {
		for _, d := range g.nodes[name].deps {
			j, ok := pos[d]
			if !ok {
				return cfgerr.Newf(opGraph, ErrDanglingReference, "%s references undeclared %s", name, d)
			}
			if j >= i {
				return cfgerr.Newf(opGraph, ErrCycle, "%s references later node %s", name, d)
			}
		}
	}
	return nil
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph(%d nodes)", len(g.order))
}

var (
	refType  = reflect.TypeOf(Ref{})
	attrType = reflect.TypeOf(Attr{})
)

// collectRefs walks maps, slices, pointers and exported struct fields below
// v and records the names of every Ref and Attr found.
func collectRefs(v reflect.Value, into map[string]bool) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			collectRefs(v.Elem(), into)
		}
	case reflect.Struct:
		switch v.Type() {
		case refType:
			into[v.Field(0).String()] = true
			return
		case attrType:
			into[v.Field(0).String()] = true
			return
		}
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				collectRefs(v.Field(i), into)
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			collectRefs(iter.Value(), into)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectRefs(v.Index(i), into)
		}
	}
}
