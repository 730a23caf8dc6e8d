package exchange

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

// The venue returns order status as a small integer on list endpoints and
// as a string on the detail endpoint. Everything inside the process
// boundary uses the canonical string set; every adapter return path goes
// through NormalizeStatus.

var intStatus = map[int]models.OrderStatus{
	1: models.StatusTrading,
	2: models.StatusBuyerPayed,
	3: models.StatusAppealing,
	4: models.StatusCompleted,
	5: models.StatusCancelled,
	6: models.StatusCancelledBySystem,
}

var stringStatus = map[string]models.OrderStatus{
	"TRADING":             models.StatusTrading,
	"PENDING":             models.StatusTrading,
	"BUYER_PAYED":         models.StatusBuyerPayed,
	"BUYER_PAID":          models.StatusBuyerPayed,
	"PAID":                models.StatusBuyerPayed,
	"APPEALING":           models.StatusAppealing,
	"APPEAL":              models.StatusAppealing,
	"COMPLETED":           models.StatusCompleted,
	"SUCCESS":             models.StatusCompleted,
	"CANCELLED":           models.StatusCancelled,
	"CANCELED":            models.StatusCancelled,
	"CANCELLED_BY_SYSTEM": models.StatusCancelledBySystem,
	"SYSTEM_CANCELLED":    models.StatusCancelledBySystem,
}

// NormalizeStatus maps a raw venue status value (JSON number or string)
// to the canonical enumeration. Unknown codes default to TRADING, the
// safest assumption: an order we cannot classify is treated as still
// awaiting payment and never auto-advanced.
func NormalizeStatus(raw json.RawMessage) models.OrderStatus {
	if len(raw) == 0 {
		return models.StatusTrading
	}

	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		if st, ok := intStatus[asInt]; ok {
			return st
		}
		return models.StatusTrading
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		key := strings.ToUpper(strings.TrimSpace(asString))
		if st, ok := stringStatus[key]; ok {
			return st
		}
		// Some endpoints quote the integer code.
		if n, err := strconv.Atoi(key); err == nil {
			if st, ok := intStatus[n]; ok {
				return st
			}
		}
	}
	return models.StatusTrading
}
