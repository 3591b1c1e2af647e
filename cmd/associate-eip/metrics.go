package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"

	"github.com/loshz/associate-eip/internal/executor"
)

// pushJob is the Pushgateway job the run metrics are grouped under
const pushJob = "associate_eip"

// pushMetrics sends the executor metrics to a Pushgateway once. Push errors
// are logged and otherwise ignored.
func pushMetrics(ctx context.Context, url string) {
	p := push.New(url, pushJob)
	for _, c := range executor.Collectors() {
		p = p.Collector(c)
	}

	if err := p.PushContext(ctx); err != nil {
		log.Error().Err(err).Str("url", url).Msg("error pushing metrics")
		return
	}
	log.Debug().Str("url", url).Msg("pushed metrics")
}
