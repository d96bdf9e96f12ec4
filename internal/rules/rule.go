// Package rules loads tabular inbound-rule definitions and compiles them
// into the ingress rules of named access groups.
//
// A rule table is a comma-separated UTF-8 file with the columns
//
//	kind,peer,description,port
//
// where kind selects how peer is read: "any_ipv4" opens the port to every
// IPv4 address (peer is ignored), "prefix" reads peer as a managed prefix
// list ID, and anything else reads peer as a literal IPv4 CIDR block.
package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleSourceNotFound is returned when a rule table file does not exist.
	ErrRuleSourceNotFound = errors.New("rule source not found")
	// ErrMalformedRuleRow is returned for rows with too few fields, a bad
	// port, or a peer that does not fit its kind.
	ErrMalformedRuleRow = errors.New("malformed rule row")
	// ErrUnknownRuleKind is returned in strict mode for unrecognised kinds.
	ErrUnknownRuleKind = errors.New("unknown rule kind")
)

// Kind selects the peer-resolution strategy of a rule.
type Kind int

const (
	// KindCIDR reads the peer as a literal IPv4 CIDR block.
	KindCIDR Kind = iota
	// KindAnyIPv4 opens the rule to 0.0.0.0/0.
	KindAnyIPv4
	// KindPrefixList reads the peer as a managed prefix list ID.
	KindPrefixList
)

func (k Kind) String() string {
	switch k {
	case KindAnyIPv4:
		return "any_ipv4"
	case KindPrefixList:
		return "prefix"
	case KindCIDR:
		return "cidr"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps the kind column to a Kind. Unrecognised values fall back
// to KindCIDR; known reports whether the value was one of the explicit
// spellings ("any_ipv4", "prefix", "cidr", "ipv4").
func ParseKind(s string) (k Kind, known bool) {
	switch s {
	case "any_ipv4":
		return KindAnyIPv4, true
	case "prefix":
		return KindPrefixList, true
	case "cidr", "ipv4":
		return KindCIDR, true
	}
	return KindCIDR, false
}

// AccessRule is one parsed row of a rule table.
type AccessRule struct {
	Kind        Kind
	RawKind     string
	Peer        string
	Description string
	Port        uint16
	// Line is the 1-based line of the row in its source file.
	Line int
}
