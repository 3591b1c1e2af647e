// Package identity resolves facts about the running instance from the EC2
// instance metadata service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/rs/zerolog/log"
)

// regionPath is the metadata key holding the region of the instance.
const regionPath = "placement/region"

// ErrMetadataUnavailable is returned when the metadata service fails or
// returns a value that cannot be used.
var ErrMetadataUnavailable = errors.New("instance metadata unavailable")

// Metadata represents the required instance metadata functions
type Metadata interface {
	GetMetadata(context.Context, *imds.GetMetadataInput, ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Resolver fetches each instance fact at most once and reuses it for the
// rest of the process. The first successful lookup of every fact is
// reported on the progress writer. A Resolver is not safe for concurrent
// use.
type Resolver struct {
	md  Metadata
	out io.Writer

	region      *string
	instanceID  *string
	mac         *string
	interfaceID *string
}

// NewResolver returns a Resolver reading from md and reporting to out.
func NewResolver(md Metadata, out io.Writer) *Resolver {
	return &Resolver{md: md, out: out}
}

// Region returns the region the instance runs in.
func (r *Resolver) Region(ctx context.Context) (string, error) {
	if r.region != nil {
		return *r.region, nil
	}

	region, err := r.get(ctx, regionPath)
	if err != nil {
		return "", err
	}

	r.region = &region
	r.report("Region", region)
	return region, nil
}

// InstanceID returns the id of the running instance.
func (r *Resolver) InstanceID(ctx context.Context) (string, error) {
	if r.instanceID != nil {
		return *r.instanceID, nil
	}

	id, err := r.get(ctx, "instance-id")
	if err != nil {
		return "", err
	}

	r.instanceID = &id
	r.report("Instance ID", id)
	return id, nil
}

// MACAddress returns the MAC address of the primary network interface.
func (r *Resolver) MACAddress(ctx context.Context) (string, error) {
	if r.mac != nil {
		return *r.mac, nil
	}

	mac, err := r.get(ctx, "mac")
	if err != nil {
		return "", err
	}
	if _, err := net.ParseMAC(mac); err != nil {
		return "", fmt.Errorf("%w: invalid mac address %q", ErrMetadataUnavailable, mac)
	}

	r.mac = &mac
	r.report("MAC", mac)
	return mac, nil
}

// NetworkInterfaceID returns the id of the network interface owning the
// primary MAC address.
func (r *Resolver) NetworkInterfaceID(ctx context.Context) (string, error) {
	if r.interfaceID != nil {
		return *r.interfaceID, nil
	}

	mac, err := r.MACAddress(ctx)
	if err != nil {
		return "", err
	}

	id, err := r.get(ctx, fmt.Sprintf("network/interfaces/macs/%s/interface-id", mac))
	if err != nil {
		return "", err
	}

	r.interfaceID = &id
	r.report("Network Interface ID", id)
	return id, nil
}

// get reads a single metadata value below /latest/meta-data.
func (r *Resolver) get(ctx context.Context, path string) (string, error) {
	log.Debug().Str("path", path).Msg("reading instance metadata")

	res, err := r.md.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", fmt.Errorf("%w: error getting %s: %v", ErrMetadataUnavailable, path, err)
	}
	defer res.Content.Close()

	b, err := io.ReadAll(res.Content)
	if err != nil {
		return "", fmt.Errorf("%w: error reading %s: %v", ErrMetadataUnavailable, path, err)
	}

	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: empty value for %s", ErrMetadataUnavailable, path)
	}
	return v, nil
}

func (r *Resolver) report(label, value string) {
	fmt.Fprintf(r.out, "%s: %s\n", label, value)
}
