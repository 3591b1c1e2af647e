package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/loshz/associate-eip/internal/executor"
)

// newMetadata creates an instance metadata client. An empty endpoint uses
// the SDK default.
func newMetadata(endpoint string) *imds.Client {
	return imds.New(imds.Options{
		Endpoint: endpoint,
	})
}

// newEC2Func returns a function that loads the aws config for a region and
// creates an EC2 client. Credentials always come from the instance role,
// read through md.
func newEC2Func(md *imds.Client, endpoint string) executor.ClientFunc {
	return func(ctx context.Context, region string) (executor.EC2, error) {
		creds := ec2rolecreds.New(func(o *ec2rolecreds.Options) {
			o.Client = md
		})

		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(aws.NewCredentialsCache(creds)),
		)
		if err != nil {
			return nil, fmt.Errorf("error loading aws config: %w", err)
		}

		log.Debug().Str("region", region).Str("endpoint", endpoint).Msg("configured ec2 client")

		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}), nil
	}
}
