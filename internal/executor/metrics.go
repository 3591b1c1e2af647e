package executor

import "github.com/prometheus/client_golang/prometheus"

const namespace = "associate_eip"

// operation label values
const (
	opClient      = "client"
	opMetadata    = "metadata"
	opSelection   = "selection"
	opAssociation = "association"
	opAssignIPv4  = "assign_ipv4"
	opAssignIPv6  = "assign_ipv6"
)

var (
	// CriticalErrors counts failed operations, each of which ends the run
	CriticalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_error_count",
			Help:      "Counter representing the number of errors resolving, selecting, associating or assigning addresses",
		},
		[]string{"operation"},
	)

	// ActionsApplied counts successfully applied actions by kind
	ActionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_applied_count",
			Help:      "Counter representing the number of actions applied to the current instance",
		},
		[]string{"kind"},
	)
)

// Collectors returns every metric owned by the executor.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{CriticalErrors, ActionsApplied}
}
