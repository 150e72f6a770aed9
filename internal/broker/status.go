package broker

import (
	"strings"

	"github.com/camuig/quant-trader/internal/model"
)

var statusAliases = map[string]model.OrderStatus{
	"FILLED":          model.OrderFilled,
	"FILL":            model.OrderFilled,
	"PARTIALFILLED":   model.OrderPartiallyFilled,
	"PARTIALLYFILLED": model.OrderPartiallyFilled,
	"PARTIALLYFILL":   model.OrderPartiallyFilled,
	"NEW":             model.OrderSubmitted,
	"SUBMITTED":       model.OrderSubmitted,
	"WAITTONEW":       model.OrderSubmitted,
	"NOTREPORTED":     model.OrderSubmitted,
	"PENDING":         model.OrderSubmitted,
	"PENDINGCANCEL":   model.OrderSubmitted,
	"PENDINGREPLACE":  model.OrderSubmitted,
	"WAITTOCANCEL":    model.OrderSubmitted,
	"CANCELED":        model.OrderCancelled,
	"CANCELLED":       model.OrderCancelled,
	"REJECTED":        model.OrderRejected,
	"EXPIRED":         model.OrderExpired,
	"UNSPECIFIED":     model.OrderUnknown,
	"UNKNOWN":         model.OrderUnknown,
}

// NormalizeStatus maps a vendor order status onto model.OrderStatus. It
// accepts camel case (PartialFilled), upper snake (PARTIALLY_FILLED) and the
// Tinkoff EXECUTION_REPORT_STATUS_* spellings. It is the only place raw
// broker statuses are interpreted.
func NormalizeStatus(raw string) model.OrderStatus {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "EXECUTION_REPORT_STATUS_")
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	if st, ok := statusAliases[s]; ok {
		return st
	}
	return model.OrderUnknown
}
