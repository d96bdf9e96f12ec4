// Package network declares the VPC, its subnets, gateways and route tables
// as nodes of a resource graph.
package network

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/chainguard-dev/clog"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/graph"
)

// ErrInvalidSubnets is returned when the subnet layout cannot be built.
var ErrInvalidSubnets = errors.New("invalid subnet layout")

const opBuild = "build network"

// subnetBits splits the VPC block into four equal subnets.
const subnetBits = 2

// Tier is the routing tier of a subnet.
type Tier int

const (
	TierPrivate Tier = iota
	TierPublic
)

func (t Tier) String() string {
	if t == TierPublic {
		return "public"
	}
	return "private"
}

// ParseTier accepts "private" and "public".
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "private":
		return TierPrivate, nil
	case "public":
		return TierPublic, nil
	}
	return 0, fmt.Errorf("unknown subnet tier %q", s)
}

// SubnetSpec describes one subnet. An empty CIDR is derived from the VPC
// block by declaration order.
type SubnetSpec struct {
	Name string
	Tier Tier
	CIDR string
	Zone string
}

// Config describes the network to declare.
type Config struct {
	Name    string
	CIDR    string
	Subnets []SubnetSpec
	// NATSubnet names the public subnet that hosts the NAT gateway.
	NATSubnet string
	Tags      map[string]string
}

// DefaultConfig returns the two-zone demo layout in region.
func DefaultConfig(region string) Config {
	return Config{
		Name: "DEMO-VPC",
		CIDR: "10.5.5.0/24",
		Subnets: []SubnetSpec{
			{Name: "DEMO-PRIVATE-SUBNET-A", Tier: TierPrivate, CIDR: "10.5.5.0/26", Zone: region + "a"},
			{Name: "DEMO-PRIVATE-SUBNET-C", Tier: TierPrivate, CIDR: "10.5.5.64/26", Zone: region + "c"},
			{Name: "DEMO-PUBLIC-SUBNET-A", Tier: TierPublic, CIDR: "10.5.5.128/26", Zone: region + "a"},
			{Name: "DEMO-PUBLIC-SUBNET-C", Tier: TierPublic, CIDR: "10.5.5.192/26", Zone: region + "c"},
		},
		NATSubnet: "DEMO-PUBLIC-SUBNET-A",
	}
}

// Subnet is a declared subnet.
type Subnet struct {
	SubnetSpec
	Ref         graph.Ref
	Association graph.Ref
}

// Network holds references to every node Build declared.
type Network struct {
	Name            string
	CIDR            string
	VPC             graph.Ref
	InternetGateway graph.Ref
	Attachment      graph.Ref
	EIP             graph.Ref
	NatGateway      graph.Ref
	PrivateTable    graph.Ref
	PrivateRoute    graph.Ref
	PublicTable     graph.Ref
	PublicRoute     graph.Ref
	Subnets         []Subnet
}

// SubnetRefs returns the subnets of tier in declaration order.
func (n *Network) SubnetRefs(tier Tier) []graph.Ref {
	var out []graph.Ref
	for _, s := range n.Subnets {
		if s.Tier == tier {
			out = append(out, s.Ref)
		}
	}
	return out
}

// Resolve validates cfg and fills in derived subnet CIDRs.
func (cfg Config) Resolve() (Config, error) {
	var errs []string

	if cfg.Name == "" {
		errs = append(errs, "name is required")
	}
	_, block, err := net.ParseCIDR(cfg.CIDR)
	if err != nil || block.IP.To4() == nil {
		return cfg, cfgerr.Newf(opBuild, ErrInvalidSubnets, "VPC CIDR %q is not an IPv4 block", cfg.CIDR)
	}

	out := cfg
	out.Subnets = make([]SubnetSpec, len(cfg.Subnets))
	copy(out.Subnets, cfg.Subnets)

	nets := make([]*net.IPNet, 0, len(out.Subnets))
	names := make(map[string]bool)
	zones := map[Tier]map[string]bool{TierPrivate: {}, TierPublic: {}}
	count := map[Tier]int{}
	for i := range out.Subnets {
		s := &out.Subnets[i]
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Sprintf("subnet %d: name is required", i))
		case names[s.Name]:
			errs = append(errs, fmt.Sprintf("subnet %s: declared twice", s.Name))
		}
		names[s.Name] = true
		if s.Tier != TierPrivate && s.Tier != TierPublic {
			errs = append(errs, fmt.Sprintf("subnet %s: unknown tier %d", s.Name, int(s.Tier)))
			continue
		}
		count[s.Tier]++

		if s.Zone == "" {
			errs = append(errs, fmt.Sprintf("subnet %s: zone is required", s.Name))
		} else if zones[s.Tier][s.Zone] {
			errs = append(errs, fmt.Sprintf("subnet %s: zone %s already used by another %s subnet", s.Name, s.Zone, s.Tier))
		}
		zones[s.Tier][s.Zone] = true

		if s.CIDR == "" {
			sub, err := cidr.Subnet(block, subnetBits, i)
			if err != nil {
				errs = append(errs, fmt.Sprintf("subnet %s: derive CIDR: %v", s.Name, err))
				continue
			}
			s.CIDR = sub.String()
		}
		_, sn, err := net.ParseCIDR(s.CIDR)
		if err != nil || sn.IP.To4() == nil {
			errs = append(errs, fmt.Sprintf("subnet %s: CIDR %q is not an IPv4 block", s.Name, s.CIDR))
			continue
		}
		nets = append(nets, sn)
	}

	if count[TierPrivate] != 2 || count[TierPublic] != 2 {
		errs = append(errs, fmt.Sprintf("want 2 private and 2 public subnets, got %d and %d", count[TierPrivate], count[TierPublic]))
	}
	if len(nets) == len(out.Subnets) {
		if err := cidr.VerifyNoOverlap(nets, block); err != nil {
			errs = append(errs, err.Error())
		}
	}

	nat := false
	for _, s := range out.Subnets {
		if s.Name == out.NATSubnet && s.Tier == TierPublic {
			nat = true
		}
	}
	if !nat {
		errs = append(errs, fmt.Sprintf("NAT subnet %q is not a declared public subnet", out.NATSubnet))
	}

	if len(errs) > 0 {
		return cfg, cfgerr.Newf(opBuild, ErrInvalidSubnets, "\n  - %s", strings.Join(errs, "\n  - "))
	}
	return out, nil
}

// Build declares the network described by cfg in g. Nodes are added in
// dependency order so that every reference points at an existing node.
func Build(ctx context.Context, g *graph.Graph, cfg Config) (*Network, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	log := clog.FromContext(ctx).With("vpc", cfg.Name)

	b := builder{g: g, cfg: cfg}
	n := &Network{Name: cfg.Name, CIDR: cfg.CIDR}

	n.VPC = b.add("VPC", graph.KindVPC, map[string]any{
		"CidrBlock":          cfg.CIDR,
		"EnableDnsHostnames": true,
		"EnableDnsSupport":   true,
		"Tags":               b.tags(cfg.Name),
	})
	n.InternetGateway = b.add("InternetGateway", graph.KindInternetGateway, map[string]any{
		"Tags": b.tags(cfg.Name + "-IGW"),
	})
	n.Attachment = b.add("VPCGatewayAttachment", graph.KindGatewayAttachment, map[string]any{
		"VpcId":             n.VPC,
		"InternetGatewayId": n.InternetGateway,
	})

	var nat graph.Ref
	for _, s := range cfg.Subnets {
		ref := b.add("Subnet"+LogicalSuffix(s.Name), graph.KindSubnet, map[string]any{
			"VpcId":               n.VPC,
			"CidrBlock":           s.CIDR,
			"AvailabilityZone":    s.Zone,
			"MapPublicIpOnLaunch": s.Tier == TierPublic,
			"Tags":                b.tags(s.Name),
		})
		if s.Name == cfg.NATSubnet {
			nat = ref
		}
		n.Subnets = append(n.Subnets, Subnet{SubnetSpec: s, Ref: ref})
		log.Debug("declared subnet", "name", s.Name, "tier", s.Tier.String(), "cidr", s.CIDR, "zone", s.Zone)
	}

	n.EIP = b.addAfter("EIP", graph.KindElasticIP, map[string]any{
		"Domain": "vpc",
		"Tags":   b.tags(cfg.Name + "-NAT-EIP"),
	}, n.Attachment)
	n.NatGateway = b.add("NatGateway", graph.KindNatGateway, map[string]any{
		"AllocationId": n.EIP.GetAtt("AllocationId"),
		"SubnetId":     nat,
		"Tags":         b.tags(cfg.Name + "-NAT"),
	})

	n.PrivateTable = b.add("RouteTablePrivate", graph.KindRouteTable, map[string]any{
		"VpcId": n.VPC,
		"Tags":  b.tags(cfg.Name + "-PRIVATE-RT"),
	})
	n.PrivateRoute = b.add("RoutePrivate", graph.KindRoute, map[string]any{
		"RouteTableId":         n.PrivateTable,
		"DestinationCidrBlock": "0.0.0.0/0",
		"NatGatewayId":         n.NatGateway,
	})
	n.PublicTable = b.add("RouteTablePublic", graph.KindRouteTable, map[string]any{
		"VpcId": n.VPC,
		"Tags":  b.tags(cfg.Name + "-PUBLIC-RT"),
	})
	n.PublicRoute = b.addAfter("RoutePublic", graph.KindRoute, map[string]any{
		"RouteTableId":         n.PublicTable,
		"DestinationCidrBlock": "0.0.0.0/0",
		"GatewayId":            n.InternetGateway,
	}, n.Attachment)

	for i := range n.Subnets {
		s := &n.Subnets[i]
		table := n.PrivateTable
		if s.Tier == TierPublic {
			table = n.PublicTable
		}
		s.Association = b.add("SubnetRouteTableAssociation"+LogicalSuffix(s.Name), graph.KindRouteTableAssociation, map[string]any{
			"SubnetId":     s.Ref,
			"RouteTableId": table,
		})
	}

	if b.err != nil {
		return nil, b.err
	}
	log.Debug("declared network", "nodes", g.Len())
	return n, nil
}

// builder stops adding nodes after the first error.
type builder struct {
	g   *graph.Graph
	cfg Config
	err error
}

func (b *builder) add(name string, kind graph.Kind, props map[string]any) graph.Ref {
	return b.addAfter(name, kind, props)
}

func (b *builder) addAfter(name string, kind graph.Kind, props map[string]any, after ...graph.Ref) graph.Ref {
	if b.err != nil {
		return graph.Ref{Name: name}
	}
	var deps []string
	for _, a := range after {
		deps = append(deps, a.Name)
	}
	ref, err := b.g.Add(graph.Node{Name: name, Kind: kind, Properties: props, DependsOn: deps})
	if err != nil {
		b.err = err
		return graph.Ref{Name: name}
	}
	return ref
}

func (b *builder) tags(name string) []any {
	return Tags(name, b.cfg.Tags)
}

// Tags renders a Name tag plus extra as a template tag list, sorted by key
// after Name.
func Tags(name string, extra map[string]string) []any {
	out := []any{tag("Name", name)}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		if k == "Name" {
			continue
		}
		out = append(out, tag(k, extra[k]))
	}
	return out
}

func tag(key, value string) map[string]any {
	return map[string]any{"Key": key, "Value": value}
}

// LogicalSuffix turns a resource name into the alphanumeric form used in
// logical keys: "DEMO-PUBLIC-SUBNET-A" becomes "DEMOPUBLICSUBNETA".
func LogicalSuffix(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
