package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loshz/associate-eip/internal/action"
	"github.com/loshz/associate-eip/internal/address"
	"github.com/loshz/associate-eip/internal/identity"
)

const (
	testRegion      = "us-west-2"
	testInstanceID  = "i-01234567890abcdef"
	testMAC         = "02:b2:0b:a9:64:5b"
	testInterfaceID = "eni-01234567a8e25de7c"
	testAllocation  = "eipalloc-01234567890abcdef"
	testAssociation = "eipassoc-01234567890abcdef"
)

type mockEC2 struct {
	DescribeAddrFunc  func(*ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error)
	AssociateAddrFunc func(*ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error)
	AssignIPv4Func    func(*ec2.AssignPrivateIpAddressesInput) (*ec2.AssignPrivateIpAddressesOutput, error)
	AssignIPv6Func    func(*ec2.AssignIpv6AddressesInput) (*ec2.AssignIpv6AddressesOutput, error)
}

func (m mockEC2) DescribeAddresses(_ context.Context, input *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	return m.DescribeAddrFunc(input)
}
func (m mockEC2) AssociateAddress(_ context.Context, input *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	return m.AssociateAddrFunc(input)
}
func (m mockEC2) AssignPrivateIpAddresses(_ context.Context, input *ec2.AssignPrivateIpAddressesInput, _ ...func(*ec2.Options)) (*ec2.AssignPrivateIpAddressesOutput, error) {
	return m.AssignIPv4Func(input)
}
func (m mockEC2) AssignIpv6Addresses(_ context.Context, input *ec2.AssignIpv6AddressesInput, _ ...func(*ec2.Options)) (*ec2.AssignIpv6AddressesOutput, error) {
	return m.AssignIPv6Func(input)
}

type mockMetadata struct {
	regionErr error
	calls     []string
}

func (m *mockMetadata) GetMetadata(_ context.Context, input *imds.GetMetadataInput, _ ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	m.calls = append(m.calls, input.Path)

	var v string
	switch input.Path {
	case "placement/region":
		if m.regionErr != nil {
			return nil, m.regionErr
		}
		v = testRegion
	case "instance-id":
		v = testInstanceID
	case "mac":
		v = testMAC
	case "network/interfaces/macs/" + testMAC + "/interface-id":
		v = testInterfaceID
	default:
		return nil, fmt.Errorf("unexpected path %q", input.Path)
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(v))}, nil
}

// harness wires an Executor to mocks and records what it was asked to do.
type harness struct {
	md      *mockMetadata
	out     bytes.Buffer
	clients int
	exec    *Executor
}

func newHarness(m mockEC2) *harness {
	h := &harness{md: &mockMetadata{}}
	newClient := func(_ context.Context, region string) (EC2, error) {
		if region != testRegion {
			return nil, fmt.Errorf("unexpected region %q", region)
		}
		h.clients++
		return m, nil
	}
	h.exec = New(identity.NewResolver(h.md, &h.out), newClient, address.DefaultRand, &h.out)
	return h
}

func (h *harness) lines() []string {
	return strings.Split(strings.TrimSuffix(h.out.String(), "\n"), "\n")
}

func associateOK(t *testing.T, allocationID string, reassoc bool) func(*ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error) {
	return func(input *ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error) {
		assert.Equal(t, allocationID, aws.ToString(input.AllocationId))
		assert.Equal(t, testInstanceID, aws.ToString(input.InstanceId))
		assert.Equal(t, reassoc, aws.ToBool(input.AllowReassociation))
		return &ec2.AssociateAddressOutput{AssociationId: aws.String(testAssociation)}, nil
	}
}

func TestRunExplicitAllocation(t *testing.T) {
	h := newHarness(mockEC2{AssociateAddrFunc: associateOK(t, testAllocation, true)})
	before := testutil.ToFloat64(ActionsApplied.WithLabelValues("eip"))

	err := h.exec.Run(context.Background(), []action.Action{
		action.EIP{AllocationID: testAllocation, AllowReassociation: true},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Allocation ID: " + testAllocation,
		"Allow Reassociation: true",
		"Region: " + testRegion,
		"Instance ID: " + testInstanceID,
		"Success!",
		"Association ID: " + testAssociation,
	}, h.lines())
	assert.Equal(t, before+1, testutil.ToFloat64(ActionsApplied.WithLabelValues("eip")))
}

func TestRunFilters(t *testing.T) {
	h := newHarness(mockEC2{
		DescribeAddrFunc: func(input *ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error) {
			require.Len(t, input.Filters, 1)
			assert.Equal(t, "tag:Pool", aws.ToString(input.Filters[0].Name))
			return &ec2.DescribeAddressesOutput{
				Addresses: []types.Address{
					{AllocationId: aws.String(testAllocation)},
					{
						AllocationId:  aws.String("eipalloc-00000000000000002"),
						AssociationId: aws.String("eipassoc-2222222222222222a"),
						InstanceId:    aws.String("i-1111111111111111a"),
					},
				},
			}, nil
		},
		AssociateAddrFunc: associateOK(t, testAllocation, false),
	})

	err := h.exec.Run(context.Background(), []action.Action{
		action.EIP{
			Filters:            []action.Filter{{Name: "tag:Pool", Values: []string{"ecs"}}},
			AllowReassociation: false,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Allow Reassociation: false",
		"Region: " + testRegion,
		"Instance ID: " + testInstanceID,
		"Filters: [tag:Pool=ecs]",
		"Found 2 addresses.",
		"Only " + testAllocation + " left.",
		"Success!",
		"Association ID: " + testAssociation,
	}, h.lines())
}

func TestRunAllAddressesInUse(t *testing.T) {
	h := newHarness(mockEC2{
		DescribeAddrFunc: func(*ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error) {
			return &ec2.DescribeAddressesOutput{
				Addresses: []types.Address{{
					AllocationId:  aws.String(testAllocation),
					AssociationId: aws.String(testAssociation),
				}},
			}, nil
		},
		AssociateAddrFunc: func(*ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error) {
			t.Fatal("associate must not be called")
			return nil, nil
		},
	})
	before := testutil.ToFloat64(CriticalErrors.WithLabelValues(opSelection))

	err := h.exec.Run(context.Background(), []action.Action{
		action.EIP{Filters: []action.Filter{}, AllowReassociation: false},
	})
	assert.ErrorIs(t, err, address.ErrAllAddressesInUse)
	assert.Equal(t, before+1, testutil.ToFloat64(CriticalErrors.WithLabelValues(opSelection)))
}

func TestRunAssociationErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{
			name:     "TestAlreadyAssociated",
			err:      &smithy.GenericAPIError{Code: "Resource.AlreadyAssociated", Message: "resource is already associated"},
			conflict: true,
		},
		{
			name: "TestOtherAPIError",
			err:  &smithy.GenericAPIError{Code: "InvalidAllocationID.NotFound", Message: "not found"},
		},
		{
			name: "TestTransportError",
			err:  fmt.Errorf("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(mockEC2{
				AssociateAddrFunc: func(*ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error) {
					return nil, tt.err
				},
			})
			before := testutil.ToFloat64(CriticalErrors.WithLabelValues(opAssociation))

			err := h.exec.Run(context.Background(), []action.Action{
				action.EIP{AllocationID: testAllocation, AllowReassociation: false},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.conflict, errors.Is(err, ErrAssociationConflict))
			assert.NotContains(t, h.out.String(), "Success!")
			assert.Equal(t, before+1, testutil.ToFloat64(CriticalErrors.WithLabelValues(opAssociation)))
		})
	}
}

func TestRunAssign(t *testing.T) {
	h := newHarness(mockEC2{
		AssignIPv4Func: func(input *ec2.AssignPrivateIpAddressesInput) (*ec2.AssignPrivateIpAddressesOutput, error) {
			assert.Equal(t, testInterfaceID, aws.ToString(input.NetworkInterfaceId))
			assert.Equal(t, []string{"10.3.0.10"}, input.PrivateIpAddresses)
			return &ec2.AssignPrivateIpAddressesOutput{
				NetworkInterfaceId: input.NetworkInterfaceId,
				AssignedPrivateIpAddresses: []types.AssignedPrivateIpAddress{
					{PrivateIpAddress: aws.String("10.3.0.10")},
				},
			}, nil
		},
		AssignIPv6Func: func(input *ec2.AssignIpv6AddressesInput) (*ec2.AssignIpv6AddressesOutput, error) {
			assert.Equal(t, testInterfaceID, aws.ToString(input.NetworkInterfaceId))
			assert.Equal(t, []string{"fd12:3456:789a:1::a"}, input.Ipv6Addresses)
			return &ec2.AssignIpv6AddressesOutput{
				NetworkInterfaceId:    input.NetworkInterfaceId,
				AssignedIpv6Addresses: input.Ipv6Addresses,
			}, nil
		},
	})

	err := h.exec.Run(context.Background(), []action.Action{
		action.IPv4{Address: netip.MustParseAddr("10.3.0.10")},
		action.IPv6{Address: netip.MustParseAddr("fd12:3456:789a:1::a")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Region: " + testRegion,
		"MAC: " + testMAC,
		"Network Interface ID: " + testInterfaceID,
		"Success!",
		"Assigned Private IP: 10.3.0.10",
		"Success!",
		"Assigned IPv6 Address: fd12:3456:789a:1::a",
	}, h.lines())

	// region, mac and interface id are each looked up once for the batch
	assert.Equal(t, []string{"placement/region", "mac", "network/interfaces/macs/" + testMAC + "/interface-id"}, h.md.calls)
	assert.Equal(t, 1, h.clients)
}

func TestRunAssignRejected(t *testing.T) {
	h := newHarness(mockEC2{
		AssignIPv4Func: func(*ec2.AssignPrivateIpAddressesInput) (*ec2.AssignPrivateIpAddressesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "address in use"}
		},
		AssignIPv6Func: func(*ec2.AssignIpv6AddressesInput) (*ec2.AssignIpv6AddressesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "address in use"}
		},
	})

	err := h.exec.Run(context.Background(), []action.Action{action.IPv4{Address: netip.MustParseAddr("10.3.0.10")}})
	assert.ErrorIs(t, err, ErrAssignmentRejected)

	err = h.exec.Run(context.Background(), []action.Action{action.IPv6{Address: netip.MustParseAddr("fd12::1")}})
	assert.ErrorIs(t, err, ErrAssignmentRejected)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var associations int
	h := newHarness(mockEC2{
		AssociateAddrFunc: func(*ec2.AssociateAddressInput) (*ec2.AssociateAddressOutput, error) {
			associations++
			return &ec2.AssociateAddressOutput{AssociationId: aws.String(testAssociation)}, nil
		},
		AssignIPv4Func: func(*ec2.AssignPrivateIpAddressesInput) (*ec2.AssignPrivateIpAddressesOutput, error) {
			return nil, fmt.Errorf("rejected")
		},
	})

	err := h.exec.Run(context.Background(), []action.Action{
		action.EIP{AllocationID: testAllocation, AllowReassociation: true},
		action.IPv4{Address: netip.MustParseAddr("10.3.0.10")},
		action.EIP{AllocationID: "eipalloc-never", AllowReassociation: true},
	})
	require.ErrorIs(t, err, ErrAssignmentRejected)
	assert.Contains(t, err.Error(), "action 2")
	assert.Equal(t, 1, associations)
	assert.NotContains(t, h.out.String(), "eipalloc-never")
}

func TestRunRegionUnavailable(t *testing.T) {
	h := newHarness(mockEC2{})
	h.md.regionErr = fmt.Errorf("connection refused")

	err := h.exec.Run(context.Background(), []action.Action{
		action.EIP{AllocationID: testAllocation, AllowReassociation: true},
	})
	assert.ErrorIs(t, err, identity.ErrMetadataUnavailable)
	assert.Zero(t, h.clients)
	assert.Equal(t, []string{"placement/region"}, h.md.calls)
}

func TestRunClientError(t *testing.T) {
	var out bytes.Buffer
	md := &mockMetadata{}
	exec := New(identity.NewResolver(md, &out), func(context.Context, string) (EC2, error) {
		return nil, fmt.Errorf("no credentials")
	}, nil, &out)

	err := exec.Run(context.Background(), []action.Action{action.IPv4{Address: netip.MustParseAddr("10.3.0.10")}})
	assert.EqualError(t, err, "action 1: error configuring ec2 client: no credentials")
}

func TestRunEmpty(t *testing.T) {
	h := newHarness(mockEC2{})

	require.NoError(t, h.exec.Run(context.Background(), nil))
	assert.Empty(t, h.md.calls)
	assert.Zero(t, h.clients)
	assert.Empty(t, h.out.String())
}
