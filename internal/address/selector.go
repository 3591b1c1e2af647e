// Package address picks an Elastic IP out of the addresses matching a set
// of filters.
package address

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/loshz/associate-eip/internal/action"
)

var (
	// ErrNoAddressesFound is returned when the filters match no address.
	ErrNoAddressesFound = errors.New("no addresses found")

	// ErrAllAddressesInUse is returned when every matching address is
	// associated and reassociation is not allowed.
	ErrAllAddressesInUse = errors.New("all addresses are in use")
)

// Describer represents the required EC2 functions for discovering addresses
type Describer interface {
	DescribeAddresses(context.Context, *ec2.DescribeAddressesInput, ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
}

// Rand is the source used to pick among several candidates.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.Intn(n) }

// DefaultRand draws from the process-wide source.
var DefaultRand Rand = globalRand{}

// candidate is a discovered address
type candidate struct {
	allocationID string
	associated   bool
}

// Selector discovers addresses and chooses one of them.
type Selector struct {
	ec2  Describer
	rand Rand
	out  io.Writer
}

// NewSelector returns a Selector. A nil r uses DefaultRand.
func NewSelector(ec2 Describer, r Rand, out io.Writer) *Selector {
	if r == nil {
		r = DefaultRand
	}
	return &Selector{ec2: ec2, rand: r, out: out}
}

// Select returns the allocation id of one address matching filters.
// Unassociated addresses are preferred. When all of them are associated,
// any of them may be picked if allowReassociation is set.
func (s *Selector) Select(ctx context.Context, filters []action.Filter, allowReassociation bool) (string, error) {
	fmt.Fprintf(s.out, "Filters: %s\n", FormatFilters(filters))

	candidates, found, err := s.discover(ctx, filters)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(s.out, "Found %d addresses.\n", found)

	if len(candidates) == 0 {
		return "", ErrNoAddressesFound
	}

	var pool []candidate
	for _, c := range candidates {
		if !c.associated {
			pool = append(pool, c)
		}
	}

	if len(pool) == 0 {
		if !allowReassociation {
			return "", fmt.Errorf("%w: %d addresses associated and reassociation is disabled", ErrAllAddressesInUse, len(candidates))
		}
		fmt.Fprintln(s.out, "All addresses are associated, reassociating.")
		pool = candidates
	}

	if len(pool) == 1 {
		fmt.Fprintf(s.out, "Only %s left.\n", pool[0].allocationID)
		return pool[0].allocationID, nil
	}

	picked := pool[s.rand.IntN(len(pool))]
	fmt.Fprintf(s.out, "Picked %s out of %d candidates.\n", picked.allocationID, len(pool))
	return picked.allocationID, nil
}

// discover describes the addresses matching filters and returns the
// candidates along with the number of addresses described. Addresses
// without an allocation id cannot be associated by allocation and are
// skipped.
func (s *Selector) discover(ctx context.Context, filters []action.Filter) ([]candidate, int, error) {
	input := &ec2.DescribeAddressesInput{}
	for _, f := range filters {
		input.Filters = append(input.Filters, types.Filter{
			Name:   aws.String(f.Name),
			Values: f.Values,
		})
	}

	res, err := s.ec2.DescribeAddresses(ctx, input)
	if err != nil {
		return nil, 0, fmt.Errorf("error describing addresses: %w", err)
	}

	var candidates []candidate
	for _, addr := range res.Addresses {
		id := aws.ToString(addr.AllocationId)
		if id == "" {
			log.Debug().Str("public_ip", aws.ToString(addr.PublicIp)).Msg("skipping address without allocation id")
			continue
		}
		candidates = append(candidates, candidate{
			allocationID: id,
			associated:   aws.ToString(addr.AssociationId) != "" || aws.ToString(addr.InstanceId) != "",
		})
	}
	return candidates, len(res.Addresses), nil
}

// FormatFilters renders filters as "[name=v1,v2 name2=v3]".
func FormatFilters(filters []action.Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.Name+"="+strings.Join(f.Values, ","))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
