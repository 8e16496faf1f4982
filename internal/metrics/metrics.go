package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PricingFallbacks counts requests priced at zero because the model was
// absent from config/models.yaml, broken down by why.
var PricingFallbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "llmgatewayd_pricing_fallback_total",
		Help: "Total number of pricing fallbacks (missing/unknown model)",
	},
	[]string{"reason"},
)
