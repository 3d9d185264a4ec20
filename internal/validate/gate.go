// Package validate gates flattened rows before they reach the writer.
// Rejected rows are quarantined with a reason, never dropped silently.
package validate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// Config tunes the gate.
type Config struct {
	// RealPOThreshold drops purchase orders whose numeric id falls below it.
	// The upstream sandbox leaks synthetic test orders with low ids into
	// production extracts; 0 disables the filter.
	RealPOThreshold int64 `yaml:"real_po_threshold"`
}

// Result is the gate's verdict over one batch.
type Result struct {
	Headers     []storage.Header
	Items       []storage.LineItem
	Quarantined []storage.QuarantinedRecord

	// TestOrdersDropped counts synthetic orders removed by the threshold
	// filter. They are discarded, not quarantined.
	TestOrdersDropped int
}

// Gate applies batch-level validation: the synthetic-order filter, and a
// referential check that every item's header is present in the same batch.
// Items whose header was rejected upstream would otherwise insert cleanly
// and dangle.
func Gate(cfg Config, headers []storage.Header, items []storage.LineItem, now time.Time) Result {
	var res Result

	byID := make(map[string]bool, len(headers))
	for _, h := range headers {
		if isTestOrder(cfg, h.PurchaseOrderID) {
			res.TestOrdersDropped++
			continue
		}
		byID[h.PurchaseOrderID] = true
		res.Headers = append(res.Headers, h)
	}

	for _, it := range items {
		if isTestOrder(cfg, it.PurchaseOrderID) {
			res.TestOrdersDropped++
			continue
		}
		if !byID[it.PurchaseOrderID] {
			res.Quarantined = append(res.Quarantined, storage.QuarantinedRecord{
				PurchaseOrderID: it.PurchaseOrderID,
				PurchaseOrderNo: it.PurchaseOrderNo,
				Reason:          fmt.Sprintf("no header for purchase_order_id %s in batch", it.PurchaseOrderID),
				RawJSON:         it.RawJSON,
				QuarantinedAt:   now,
			})
			continue
		}
		res.Items = append(res.Items, it)
	}
	return res
}

func isTestOrder(cfg Config, poID string) bool {
	if cfg.RealPOThreshold <= 0 {
		return false
	}
	n, err := strconv.ParseInt(poID, 10, 64)
	if err != nil {
		// Non-numeric ids are never synthetic.
		return false
	}
	return n < cfg.RealPOThreshold
}
