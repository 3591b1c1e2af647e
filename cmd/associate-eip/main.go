package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/loshz/associate-eip/internal/action"
	"github.com/loshz/associate-eip/internal/address"
	"github.com/loshz/associate-eip/internal/executor"
	"github.com/loshz/associate-eip/internal/identity"
)

const service = "associate-eip"

// defaultUserDataPath is where Bottlerocket exposes the user-data of a
// bootstrap container.
const defaultUserDataPath = "/.bottlerocket/bootstrap-containers/current/user-data"

var version = "dev"

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "user-data",
		Value:   defaultUserDataPath,
		Usage:   "path to the user-data describing the addresses to attach",
		EnvVars: []string{"USER_DATA_PATH"},
	},
	&cli.StringFlag{
		Name:    "metadata-endpoint",
		Usage:   "instance metadata service endpoint, defaults to the SDK endpoint",
		EnvVars: []string{"AWS_EC2_METADATA_SERVICE_ENDPOINT"},
	},
	&cli.StringFlag{
		Name:    "ec2-endpoint",
		Usage:   "EC2 API endpoint, defaults to the regional endpoint",
		EnvVars: []string{"AWS_EC2_ENDPOINT"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "log level for diagnostics written to stderr",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "pushgateway-url",
		Usage:   "Prometheus Pushgateway to push run metrics to, disabled if empty",
		EnvVars: []string{"PUSHGATEWAY_URL"},
	},
}

// options holds the resolved command line flags
type options struct {
	userDataPath     string
	metadataEndpoint string
	ec2Endpoint      string
	pushgatewayURL   string
}

func main() {
	// configure global logger defaults
	log.Logger = log.Logger.With().Fields(map[string]interface{}{
		"service": service,
		"version": version,
	}).Logger()

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("error associating addresses")
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:    service,
		Usage:   "Attach Elastic IPs and secondary addresses to the current EC2 instance",
		Version: version,
		Flags:   flags,
		Writer:  stdout,
		Action: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %q", c.String("log-level"))
			}
			zerolog.SetGlobalLevel(level)

			return run(c.Context, options{
				userDataPath:     c.String("user-data"),
				metadataEndpoint: c.String("metadata-endpoint"),
				ec2Endpoint:      c.String("ec2-endpoint"),
				pushgatewayURL:   c.String("pushgateway-url"),
			}, stdout)
		},
	}
}

// run parses the user-data and applies every action to the current
// instance. Nothing is sent to AWS unless the whole user-data is valid.
// Metrics are pushed once run returns, whatever the outcome.
func run(ctx context.Context, opts options, stdout io.Writer) error {
	if opts.pushgatewayURL != "" {
		defer pushMetrics(ctx, opts.pushgatewayURL)
	}

	b, err := os.ReadFile(opts.userDataPath)
	if err != nil {
		return fmt.Errorf("error reading user-data: %w", err)
	}

	actions, err := action.Parse(string(b))
	if err != nil {
		return fmt.Errorf("error parsing user-data: %w", err)
	}
	log.Debug().Int("actions", len(actions)).Str("path", opts.userDataPath).Msg("user-data parsed")

	md := newMetadata(opts.metadataEndpoint)
	exec := executor.New(
		identity.NewResolver(md, stdout),
		newEC2Func(md, opts.ec2Endpoint),
		address.DefaultRand,
		stdout,
	)

	return exec.Run(ctx, actions)
}
