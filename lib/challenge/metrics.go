package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gasfree_challenges_issued",
		Help: "The total number of challenges issued",
	})

	challengesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gasfree_challenges_consumed",
		Help: "The number of challenge consumption attempts by outcome",
	}, []string{"outcome"})
)
