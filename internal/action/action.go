// Package action turns container user-data into an ordered list of network
// address actions for the current instance.
package action

import (
	"errors"
	"net/netip"
	"strings"
)

// allocationPrefix is the prefix every Elastic IP allocation id carries.
const allocationPrefix = "eipalloc-"

var (
	// ErrMalformedInput is returned when the user-data does not match any
	// of the accepted shapes.
	ErrMalformedInput = errors.New("malformed user-data")

	// ErrAmbiguousEIP is returned when an Elastic IP entry sets both or
	// neither of AllocationId and Filters.
	ErrAmbiguousEIP = errors.New("elastic ip entry must set exactly one of AllocationId or Filters")

	// ErrInvalidIdentifier is returned when an allocation id is not of the
	// form eipalloc-<token>.
	ErrInvalidIdentifier = errors.New("invalid allocation id")
)

// Action is one network address intent. It is implemented by EIP, IPv4
// and IPv6 only.
type Action interface {
	isAction()
}

// Filter is a single DescribeAddresses filter.
type Filter struct {
	Name   string
	Values []string
}

// EIP associates an Elastic IP with the current instance. Exactly one of
// AllocationID or Filters is set; a non-nil, empty Filters matches every
// address the caller can see.
type EIP struct {
	AllocationID       string
	Filters            []Filter
	AllowReassociation bool
}

// UsesFilters reports whether the address has to be discovered.
func (e EIP) UsesFilters() bool {
	return e.Filters != nil
}

// IPv4 assigns a secondary private IPv4 address to the primary network
// interface.
type IPv4 struct {
	Address netip.Addr
}

// IPv6 assigns an IPv6 address to the primary network interface.
type IPv6 struct {
	Address netip.Addr
}

func (EIP) isAction()  {}
func (IPv4) isAction() {}
func (IPv6) isAction() {}

// Parse normalizes raw user-data into actions. The trimmed input is read as
// a JSON array when it starts with '[', as a single JSON entry when it
// starts with '{', and as a comma separated token list otherwise. Every
// entry is validated before Parse returns, so a nil error means the whole
// batch is well formed.
func Parse(raw string) ([]Action, error) {
	s := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(s, "["):
		return parseList(s)
	case strings.HasPrefix(s, "{"):
		a, err := parseEntry([]byte(s))
		if err != nil {
			return nil, err
		}
		return []Action{a}, nil
	default:
		return parseTokens(s)
	}
}

// parseTokens handles the plain "eipalloc-x,10.0.0.1,fd00::1" form.
func parseTokens(s string) ([]Action, error) {
	var actions []Action
	for _, tok := range strings.Split(s, ",") {
		a, err := parseToken(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// parseToken maps a bare string to an action: allocation ids first, then
// IPv4 and IPv6 literals.
func parseToken(tok string) (Action, error) {
	if strings.HasPrefix(tok, allocationPrefix) {
		if err := validateAllocationID(tok); err != nil {
			return nil, err
		}
		return EIP{AllocationID: tok, AllowReassociation: true}, nil
	}

	ip, err := netip.ParseAddr(tok)
	if err != nil || ip.Zone() != "" {
		return nil, malformed("unrecognized token %q", tok)
	}
	if ip.Is4() {
		return IPv4{Address: ip}, nil
	}
	return IPv6{Address: ip}, nil
}

func validateAllocationID(id string) error {
	if !strings.HasPrefix(id, allocationPrefix) || len(id) == len(allocationPrefix) {
		return invalidIdentifier(id)
	}
	return nil
}
