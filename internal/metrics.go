package internal

import "expvar"

var (
	deliveriesTotal = expvar.NewMap("hookgate_webhook_deliveries_total")
	rejectionsTotal = expvar.NewMap("hookgate_webhook_rejections_total")
	publishErrors   = expvar.NewMap("hookgate_publish_errors_total")
	tokenCache      = expvar.NewMap("hookgate_token_cache_total")
)

// IncDelivery counts ledger outcomes ("accepted" or "duplicate").
func IncDelivery(outcome string) {
	deliveriesTotal.Add(outcome, 1)
}

func IncRejection(reason string) {
	rejectionsTotal.Add(reason, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

// IncTokenCache counts delegated token lookups ("hit", "miss" or "error").
func IncTokenCache(result string) {
	tokenCache.Add(result, 1)
}
