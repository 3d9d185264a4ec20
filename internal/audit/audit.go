// Package audit detects write collisions whose incoming payload differs from
// the stored row. Conflict policy is detection-only: stored rows are never
// modified, entries are recorded for manual review.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// itemFields are the significant fields compared for line items. A duplicate
// delivery that matches on all of them is a true duplicate and produces no
// audit entry.
var itemFields = []string{"quantity", "unit_price", "total", "item_id", "description"}

// CompareItems compares an incoming item against the stored row. Returns nil
// when all significant fields match, otherwise an entry naming exactly the
// differing fields with full snapshots of both rows.
func CompareItems(existing, incoming storage.LineItem) *storage.ConflictEntry {
	var diff []string
	for _, f := range itemFields {
		if !itemFieldEqual(f, existing, incoming) {
			diff = append(diff, f)
		}
	}
	if len(diff) == 0 {
		return nil
	}

	existingJSON, _ := json.Marshal(existing)
	incomingJSON, _ := json.Marshal(incoming)
	return &storage.ConflictEntry{
		Table:      storage.TableItems,
		Key:        fmt.Sprintf("%s/%s", existing.PurchaseOrderID, existing.PurchaseOrderNo),
		DiffFields: diff,
		Existing:   existingJSON,
		Incoming:   incomingJSON,
		DetectedAt: time.Now().UTC(),
	}
}

func itemFieldEqual(field string, a, b storage.LineItem) bool {
	switch field {
	case "quantity":
		return floatEqual(a.Quantity, b.Quantity)
	case "unit_price":
		return floatEqual(a.UnitPrice, b.UnitPrice)
	case "total":
		return floatEqual(a.Total, b.Total)
	case "item_id":
		return a.ItemID == b.ItemID
	case "description":
		return a.Description == b.Description
	}
	return true
}

// floatEqual treats nil as distinct from any value, including zero, so a
// re-delivery that fills in a previously missing number is surfaced.
func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
