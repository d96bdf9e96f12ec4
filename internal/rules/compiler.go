package rules

import (
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

// ErrGroupFrozen is returned when rules are added to a frozen group.
var ErrGroupFrozen = errors.New("access group is frozen")

// Strategy is how an ingress rule's peer is resolved.
type Strategy int

const (
	StrategyCIDR Strategy = iota
	StrategyAnyIPv4
	StrategyPrefixList
)

func (s Strategy) String() string {
	switch s {
	case StrategyAnyIPv4:
		return "any-ipv4"
	case StrategyPrefixList:
		return "prefix-list"
	}
	return "cidr"
}

// Peer is the source of an ingress rule.
type Peer struct {
	Strategy Strategy
	Value    string
}

// AnyIPv4 is the open-to-all-IPv4 peer.
var AnyIPv4 = Peer{Strategy: StrategyAnyIPv4, Value: "0.0.0.0/0"}

func (p Peer) String() string {
	return p.Strategy.String() + ":" + p.Value
}

// IngressRule is one compiled TCP ingress rule.
type IngressRule struct {
	Peer        Peer
	Port        uint16
	Description string
}

// Permission renders the rule as an EC2 IP permission.
func (r IngressRule) Permission() ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(r.Port)),
		ToPort:     aws.Int32(int32(r.Port)),
	}
	desc := aws.String(r.Description)
	if r.Description == "" {
		desc = nil
	}
	switch r.Peer.Strategy {
	case StrategyPrefixList:
		perm.PrefixListIds = []ec2types.PrefixListId{{PrefixListId: aws.String(r.Peer.Value), Description: desc}}
	default:
		perm.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(r.Peer.Value), Description: desc}}
	}
	return perm
}

// AccessGroup is a named, ordered collection of ingress rules. It is filled
// by Compile and then frozen before the graph builders read it.
type AccessGroup struct {
	Name        string
	Description string

	rules  []IngressRule
	frozen bool
}

// NewAccessGroup returns an empty group.
func NewAccessGroup(name, description string) *AccessGroup {
	return &AccessGroup{Name: name, Description: description}
}

// Add appends r to the group.
func (g *AccessGroup) Add(r IngressRule) error {
	if g.frozen {
		return fmt.Errorf("%w: %s", ErrGroupFrozen, g.Name)
	}
	g.rules = append(g.rules, r)
	return nil
}

// Freeze stops further additions.
func (g *AccessGroup) Freeze() { g.frozen = true }

// Frozen reports whether the group has been frozen.
func (g *AccessGroup) Frozen() bool { return g.frozen }

// Rules returns a copy of the group's rules in insertion order.
func (g *AccessGroup) Rules() []IngressRule {
	return append([]IngressRule(nil), g.rules...)
}

// Permissions renders every rule of the group as an EC2 IP permission.
func (g *AccessGroup) Permissions() []ec2types.IpPermission {
	out := make([]ec2types.IpPermission, 0, len(g.rules))
	for _, r := range g.rules {
		out = append(out, r.Permission())
	}
	return out
}

// CompileRule resolves the peer of a single rule.
func CompileRule(r AccessRule) IngressRule {
	var peer Peer
	switch r.Kind {
	case KindAnyIPv4:
		peer = AnyIPv4
	case KindPrefixList:
		peer = Peer{Strategy: StrategyPrefixList, Value: r.Peer}
	case KindCIDR:
		peer = Peer{Strategy: StrategyCIDR, Value: r.Peer}
	}
	return IngressRule{Peer: peer, Port: r.Port, Description: r.Description}
}

// Compile appends one ingress rule per element of rules to g, in order.
// It stops at the first error from the sequence.
func Compile(g *AccessGroup, rules iter.Seq2[AccessRule, error]) error {
	for r, err := range rules {
		if err != nil {
			return err
		}
		if err := g.Add(CompileRule(r)); err != nil {
			return cfgerr.New("compile rules", err)
		}
	}
	return nil
}

// Slice adapts already-loaded rules to the sequence Compile takes.
func Slice(rs []AccessRule) iter.Seq2[AccessRule, error] {
	return func(yield func(AccessRule, error) bool) {
		for _, r := range rs {
			if !yield(r, nil) {
				return
			}
		}
	}
}
