// Package executor applies parsed actions to the running instance, one at a
// time and in order, stopping at the first failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/loshz/associate-eip/internal/action"
	"github.com/loshz/associate-eip/internal/address"
	"github.com/loshz/associate-eip/internal/identity"
)

// codeAlreadyAssociated is returned by AssociateAddress when reassociation
// is disabled and the address is in use.
const codeAlreadyAssociated = "Resource.AlreadyAssociated"

var (
	// ErrAssociationConflict is returned when the control plane refuses to
	// move an address that is already associated.
	ErrAssociationConflict = errors.New("address is already associated")

	// ErrAssignmentRejected is returned when the control plane refuses to
	// assign an address to the network interface.
	ErrAssignmentRejected = errors.New("address assignment rejected")
)

// EC2 represents the required EC2 functions
type EC2 interface {
	address.Describer
	AssociateAddress(context.Context, *ec2.AssociateAddressInput, ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	AssignPrivateIpAddresses(context.Context, *ec2.AssignPrivateIpAddressesInput, ...func(*ec2.Options)) (*ec2.AssignPrivateIpAddressesOutput, error)
	AssignIpv6Addresses(context.Context, *ec2.AssignIpv6AddressesInput, ...func(*ec2.Options)) (*ec2.AssignIpv6AddressesOutput, error)
}

// ClientFunc builds the EC2 client for a region.
type ClientFunc func(ctx context.Context, region string) (EC2, error)

// Executor runs a batch of actions against the current instance.
type Executor struct {
	ids       *identity.Resolver
	newClient ClientFunc
	rand      address.Rand
	out       io.Writer

	// built on first use, after the region is known
	ec2 EC2
}

// New returns an Executor. Progress lines are written to out.
func New(ids *identity.Resolver, newClient ClientFunc, r address.Rand, out io.Writer) *Executor {
	return &Executor{
		ids:       ids,
		newClient: newClient,
		rand:      r,
		out:       out,
	}
}

// Run applies actions in order. The first failing action ends the run and
// no further action is attempted.
func (e *Executor) Run(ctx context.Context, actions []action.Action) error {
	for i, a := range actions {
		if err := e.apply(ctx, a); err != nil {
			return fmt.Errorf("action %d: %w", i+1, err)
		}
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, a action.Action) error {
	switch a := a.(type) {
	case action.EIP:
		return e.associate(ctx, a)
	case action.IPv4:
		return e.assignIPv4(ctx, a)
	case action.IPv6:
		return e.assignIPv6(ctx, a)
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

// client returns the EC2 client, resolving the region and building the
// client the first time it is needed.
func (e *Executor) client(ctx context.Context) (EC2, error) {
	if e.ec2 != nil {
		return e.ec2, nil
	}

	region, err := e.ids.Region(ctx)
	if err != nil {
		CriticalErrors.WithLabelValues(opMetadata).Inc()
		return nil, err
	}

	c, err := e.newClient(ctx, region)
	if err != nil {
		CriticalErrors.WithLabelValues(opClient).Inc()
		return nil, fmt.Errorf("error configuring ec2 client: %w", err)
	}

	e.ec2 = c
	return c, nil
}

// associate attaches an Elastic IP to the current instance, discovering
// the allocation id first when the action uses filters.
func (e *Executor) associate(ctx context.Context, a action.EIP) error {
	if !a.UsesFilters() {
		fmt.Fprintf(e.out, "Allocation ID: %s\n", a.AllocationID)
	}
	fmt.Fprintf(e.out, "Allow Reassociation: %t\n", a.AllowReassociation)

	client, err := e.client(ctx)
	if err != nil {
		return err
	}

	instanceID, err := e.ids.InstanceID(ctx)
	if err != nil {
		CriticalErrors.WithLabelValues(opMetadata).Inc()
		return err
	}

	allocationID := a.AllocationID
	if a.UsesFilters() {
		allocationID, err = address.NewSelector(client, e.rand, e.out).Select(ctx, a.Filters, a.AllowReassociation)
		if err != nil {
			CriticalErrors.WithLabelValues(opSelection).Inc()
			return err
		}
	}

	log.Debug().
		Str("allocation_id", allocationID).
		Str("instance_id", instanceID).
		Bool("allow_reassociation", a.AllowReassociation).
		Msg("associating elastic ip")

	res, err := client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId:       aws.String(allocationID),
		InstanceId:         aws.String(instanceID),
		AllowReassociation: aws.Bool(a.AllowReassociation),
	})
	if err != nil {
		CriticalErrors.WithLabelValues(opAssociation).Inc()

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == codeAlreadyAssociated {
			return fmt.Errorf("%w: %w", ErrAssociationConflict, err)
		}
		return fmt.Errorf("error associating address %s: %w", allocationID, err)
	}

	ActionsApplied.WithLabelValues("eip").Inc()
	fmt.Fprintln(e.out, "Success!")
	fmt.Fprintf(e.out, "Association ID: %s\n", aws.ToString(res.AssociationId))
	return nil
}

// assignIPv4 adds a secondary private IPv4 address to the primary network
// interface.
func (e *Executor) assignIPv4(ctx context.Context, a action.IPv4) error {
	client, interfaceID, err := e.interfaceClient(ctx)
	if err != nil {
		return err
	}

	log.Debug().
		Str("address", a.Address.String()).
		Str("network_interface_id", interfaceID).
		Msg("assigning private ipv4 address")

	res, err := client.AssignPrivateIpAddresses(ctx, &ec2.AssignPrivateIpAddressesInput{
		NetworkInterfaceId: aws.String(interfaceID),
		PrivateIpAddresses: []string{a.Address.String()},
	})
	if err != nil {
		CriticalErrors.WithLabelValues(opAssignIPv4).Inc()
		return fmt.Errorf("%w: %s to %s: %w", ErrAssignmentRejected, a.Address, interfaceID, err)
	}

	ActionsApplied.WithLabelValues("ipv4").Inc()
	fmt.Fprintln(e.out, "Success!")
	for _, assigned := range res.AssignedPrivateIpAddresses {
		fmt.Fprintf(e.out, "Assigned Private IP: %s\n", aws.ToString(assigned.PrivateIpAddress))
	}
	return nil
}

// assignIPv6 adds an IPv6 address to the primary network interface.
func (e *Executor) assignIPv6(ctx context.Context, a action.IPv6) error {
	client, interfaceID, err := e.interfaceClient(ctx)
	if err != nil {
		return err
	}

	log.Debug().
		Str("address", a.Address.String()).
		Str("network_interface_id", interfaceID).
		Msg("assigning ipv6 address")

	res, err := client.AssignIpv6Addresses(ctx, &ec2.AssignIpv6AddressesInput{
		NetworkInterfaceId: aws.String(interfaceID),
		Ipv6Addresses:      []string{a.Address.String()},
	})
	if err != nil {
		CriticalErrors.WithLabelValues(opAssignIPv6).Inc()
		return fmt.Errorf("%w: %s to %s: %w", ErrAssignmentRejected, a.Address, interfaceID, err)
	}

	ActionsApplied.WithLabelValues("ipv6").Inc()
	fmt.Fprintln(e.out, "Success!")
	for _, assigned := range res.AssignedIpv6Addresses {
		fmt.Fprintf(e.out, "Assigned IPv6 Address: %s\n", assigned)
	}
	return nil
}

// interfaceClient returns the EC2 client and the primary network
// interface id.
func (e *Executor) interfaceClient(ctx context.Context) (EC2, string, error) {
	client, err := e.client(ctx)
	if err != nil {
		return nil, "", err
	}

	interfaceID, err := e.ids.NetworkInterfaceID(ctx)
	if err != nil {
		CriticalErrors.WithLabelValues(opMetadata).Inc()
		return nil, "", err
	}
	return client, interfaceID, nil
}
