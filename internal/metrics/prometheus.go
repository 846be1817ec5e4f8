package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP engine_uptime_seconds Time since the engine started\n")
	sb.WriteString("# TYPE engine_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("engine_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_purchases_total Completed purchases\n")
	sb.WriteString("# TYPE engine_purchases_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_purchases_total %d\n", snap.Purchases))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_purchased_items_total Items sold by type\n")
	sb.WriteString("# TYPE engine_purchased_items_total counter\n")
	for _, typ := range sortedKeys(snap.PurchasedItems) {
		sb.WriteString(fmt.Sprintf("engine_purchased_items_total{type=%q} %d\n", typ, snap.PurchasedItems[typ]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_partial_purchases_total Purchases fulfilled below the requested amount\n")
	sb.WriteString("# TYPE engine_partial_purchases_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_partial_purchases_total %d\n", snap.PartialPurchases))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_purchase_rejects_total Rejected purchases by reason\n")
	sb.WriteString("# TYPE engine_purchase_rejects_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_purchase_rejects_total{reason=\"insufficient_funds\"} %d\n", snap.InsufficientRejects))
	sb.WriteString(fmt.Sprintf("engine_purchase_rejects_total{reason=\"pool_exhausted\"} %d\n", snap.ExhaustedRejects))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_deposits_total Completed credit deposits\n")
	sb.WriteString("# TYPE engine_deposits_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_deposits_total %d\n", snap.Deposits))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_deposited_credits_total Credits added across all deposits\n")
	sb.WriteString("# TYPE engine_deposited_credits_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_deposited_credits_total %d\n", snap.DepositedCredits))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_durable_write_failures_total Inline write-throughs that failed and were left to reconciliation\n")
	sb.WriteString("# TYPE engine_durable_write_failures_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_durable_write_failures_total %d\n", snap.DurableWriteFailures))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_reconcile_ticks_total Reconciliation passes\n")
	sb.WriteString("# TYPE engine_reconcile_ticks_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_reconcile_ticks_total %d\n", snap.ReconcileTicks))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_reconcile_repairs_total Durable rows overwritten by reconciliation\n")
	sb.WriteString("# TYPE engine_reconcile_repairs_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_reconcile_repairs_total %d\n", snap.ReconcileRepairs))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_reconcile_errors_total Reconciliation passes that logged an error\n")
	sb.WriteString("# TYPE engine_reconcile_errors_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_reconcile_errors_total %d\n", snap.ReconcileErrors))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_auth_fallbacks_total Token resolutions served by the durable store\n")
	sb.WriteString("# TYPE engine_auth_fallbacks_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_auth_fallbacks_total %d\n", snap.AuthFallbacks))
	sb.WriteString("\n")

	sb.WriteString("# HELP engine_auth_rejects_total Failed token resolutions\n")
	sb.WriteString("# TYPE engine_auth_rejects_total counter\n")
	sb.WriteString(fmt.Sprintf("engine_auth_rejects_total %d\n", snap.AuthRejects))

	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
