package rules

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

const (
	opLoad    = "load rules"
	minFields = 4
	// bom is the byte order mark spreadsheet exports put before the first field.
	bom       = "\ufeff"
)

// HeaderMode controls whether the first row of a table is a header.
type HeaderMode int

const (
	// HeaderAuto skips the first row only when its port column is not numeric
	// and its kind column is not a known kind.
	HeaderAuto HeaderMode = iota
	// HeaderPresent always skips the first row.
	HeaderPresent
	// HeaderAbsent treats every row as data.
	HeaderAbsent
)

// Loader reads rule tables. The zero value uses HeaderAuto and the lenient
// kind fallback.
type Loader struct {
	Header HeaderMode
	// Strict rejects kinds other than any_ipv4, prefix, cidr and ipv4
	// instead of reading them as CIDR rules.
	Strict bool
}

// Rows returns a lazy sequence of the rules in the file at path, in row
// order. The sequence yields at most one error and stops after it.
func (l Loader) Rows(path string) iter.Seq2[AccessRule, error] {
	return func(yield func(AccessRule, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				yield(AccessRule{}, cfgerr.Newf(opLoad, ErrRuleSourceNotFound, "%s", path))
				return
			}
			yield(AccessRule{}, cfgerr.New(opLoad, fmt.Errorf("open %s: %w", path, err)))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		r.Comment = '#'

		first := true
		for {
			rec, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(AccessRule{}, cfgerr.Newf(opLoad, ErrMalformedRuleRow, "%s: %v", path, err))
				return
			}
			line, _ := r.FieldPos(0)

			if first {
				first = false
				if len(rec) > 0 {
					rec[0] = strings.TrimPrefix(rec[0], bom)
				}
				if l.isHeader(rec) {
					continue
				}
			}

			rule, err := l.parseRow(rec)
			if err != nil {
				yield(AccessRule{}, cfgerr.New(opLoad, fmt.Errorf("%s:%d: %w", path, line, err)))
				return
			}
			rule.Line = line
			if !yield(rule, nil) {
				return
			}
		}
	}
}

// Load reads every rule in the file at path.
func (l Loader) Load(path string) ([]AccessRule, error) {
	var out []AccessRule
	for rule, err := range l.Rows(path) {
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (l Loader) isHeader(rec []string) bool {
	switch l.Header {
	case HeaderPresent:
		return true
	case HeaderAbsent:
		return false
	}
	if len(rec) < minFields {
		return false
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(rec[3]), 10, 16); err == nil {
		return false
	}
	// A known kind with a bad port is a malformed data row, not a header.
	_, known := ParseKind(strings.TrimSpace(rec[0]))
	return !known
}

func (l Loader) parseRow(rec []string) (AccessRule, error) {
	if len(rec) < minFields {
		return AccessRule{}, fmt.Errorf("%w: want %d fields (kind, peer, description, port), got %d",
			ErrMalformedRuleRow, minFields, len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	raw, peer, desc, portStr := rec[0], rec[1], rec[2], rec[3]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return AccessRule{}, fmt.Errorf("%w: port %q is not a TCP port number", ErrMalformedRuleRow, portStr)
	}

	kind, known := ParseKind(raw)
	if !known && l.Strict {
		return AccessRule{}, fmt.Errorf("%w: %q", ErrUnknownRuleKind, raw)
	}

	switch kind {
	case KindAnyIPv4:
	case KindPrefixList:
		if peer == "" {
			return AccessRule{}, fmt.Errorf("%w: prefix rule needs a prefix list ID", ErrMalformedRuleRow)
		}
	case KindCIDR:
		p, err := netip.ParsePrefix(peer)
		if err != nil || !p.Addr().Is4() {
			return AccessRule{}, fmt.Errorf("%w: kind %q reads peer as an IPv4 CIDR, got %q", ErrMalformedRuleRow, raw, peer)
		}
	}

	return AccessRule{
		Kind:        kind,
		RawKind:     raw,
		Peer:        peer,
		Description: desc,
		Port:        uint16(port),
	}, nil
}
