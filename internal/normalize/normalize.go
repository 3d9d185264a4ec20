// Package normalize flattens raw purchase-order payloads into typed header
// and line-item rows. Cleaning is conservative: values that cannot be
// interpreted become NULL rather than zero, and records whose keys cannot be
// recovered are reported as malformed for quarantine instead of being
// silently dropped.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/storage"
)

// ErrMalformedRecord marks payloads that cannot be reduced to a keyed row.
var ErrMalformedRecord = errors.New("malformed record")

// totalTolerance is the allowed absolute drift between quantity*unit_price
// and the reported line total before the row is flagged.
const totalTolerance = 0.01

var msEpochRe = regexp.MustCompile(`^/Date\((-?\d+)\)/$`)

// Malformed describes one payload rejected during flattening, with enough
// context to quarantine it.
type Malformed struct {
	Reason string
	Raw    []byte
}

// Result carries the typed rows produced from one page of raw records.
type Result struct {
	Headers   []storage.Header
	Items     []storage.LineItem
	Malformed []Malformed
}

// Flatten converts one page of raw records into typed rows. Records and
// items that cannot be keyed are collected in Result.Malformed; the rest of
// the page is unaffected.
func Flatten(records []source.RawRecord) Result {
	var res Result
	for _, rec := range records {
		header, err := flattenHeader(rec)
		if err != nil {
			res.Malformed = append(res.Malformed, Malformed{
				Reason: err.Error(),
				Raw:    rec.Raw(),
			})
			continue
		}
		res.Headers = append(res.Headers, header)

		for _, it := range rec.ToItems {
			item, err := flattenItem(rec, it, header)
			if err != nil {
				res.Malformed = append(res.Malformed, Malformed{
					Reason: err.Error(),
					Raw:    it.Raw(),
				})
				continue
			}
			res.Items = append(res.Items, item)
		}
	}
	return res
}

func flattenHeader(rec source.RawRecord) (storage.Header, error) {
	poID := strings.TrimSpace(rec.PurchaseOrderID.String())
	if poID == "" {
		return storage.Header{}, fmt.Errorf("%w: missing purchase_order_id", ErrMalformedRecord)
	}

	cdate, _ := ParseDate(rec.CDate)

	orderDate, err := ParseDate(rec.OrderDate)
	if err != nil {
		return storage.Header{}, fmt.Errorf("%w: order_date %q: %v", ErrMalformedRecord, rec.OrderDate, err)
	}
	if orderDate.IsZero() {
		// Fall back to the creation date when order_date is absent.
		if cdate.IsZero() {
			return storage.Header{}, fmt.Errorf("%w: no usable order date", ErrMalformedRecord)
		}
		orderDate = cdate
	}

	h := storage.Header{
		PurchaseOrderID:     poID,
		OrderDate:           orderDate,
		Currency:            strings.TrimSpace(rec.Currency),
		Status:              strings.TrimSpace(rec.Status),
		BuyerCompanyName:    strings.TrimSpace(rec.BuyerCompanyName),
		BuyerEmail:          strings.TrimSpace(rec.BuyerEmail),
		SupplierCompanyName: strings.TrimSpace(rec.SupplierCompanyName),
		SupplierID:          strings.TrimSpace(rec.SupplierID.String()),
		Subtotal:            ParseNumeric(rec.Subtotal.String()),
		Tax:                 ParseNumeric(rec.Tax.String()),
		GrandAmount:         ParseNumeric(rec.GrandAmount.String()),
		RawJSON:             rec.Raw(),
	}
	if !cdate.IsZero() {
		h.CreatedDate = &cdate
	}
	return h, nil
}

func flattenItem(rec source.RawRecord, it source.RawItem, header storage.Header) (storage.LineItem, error) {
	poID := header.PurchaseOrderID
	poNo := strings.TrimSpace(it.PurchaseOrderNo.String())
	if poNo == "" {
		return storage.LineItem{}, fmt.Errorf("%w: missing purchase_order_no", ErrMalformedRecord)
	}

	// Some records carry the upstream's "quanity" spelling instead.
	qtyRaw := it.Quantity.String()
	if strings.TrimSpace(qtyRaw) == "" {
		qtyRaw = it.Quanity.String()
	}

	qty := ParseNumeric(qtyRaw)
	price := ParseNumeric(it.UnitPrice.String())
	total := ParseNumeric(it.Total.String())

	item := storage.LineItem{
		PurchaseOrderID: poID,
		PurchaseOrderNo: poNo,
		OrderDate:       header.OrderDate,
		CreatedDate:     header.CreatedDate,
		SupplierID:      header.SupplierID,
		ItemID:          strings.TrimSpace(it.ItemID.String()),
		Description:     strings.TrimSpace(it.Description),
		SKU:             DeriveSKU(it.ItemID.String(), it.Description),
		Quantity:        qty,
		UnitOfMeasure:   strings.TrimSpace(it.UnitOfMeasure),
		UnitPrice:       price,
		Total:           total,
		Currency:        strings.TrimSpace(firstNonEmpty(it.Currency, rec.Currency)),
		Plant:           strings.TrimSpace(it.Plant),
		MaterialGroup:   strings.TrimSpace(it.MaterialGroup),
		ProductID:       strings.TrimSpace(it.ProductID),
		TotalMismatch:   totalMismatch(qty, price, total),
		RawJSON:         it.Raw(),
	}
	return item, nil
}

// ParseDate accepts the date encodings the upstream is known to emit:
// millisecond-epoch wrappers like /Date(1715731200000)/, RFC 3339
// timestamps, and bare yyyy-mm-dd dates. Empty input yields the zero time;
// non-empty input that matches no format is an error.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if m := msEpochRe.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

// ParseNumeric coerces upstream numeric strings into a nullable float.
// Thousands separators are stripped; empty or uninterpretable values become
// nil, never zero, so absent data stays distinguishable from 0.
func ParseNumeric(s string) *float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// DeriveSKU produces a stable SKU for a line item: the upstream item_id when
// present, otherwise a digest of the normalized description so repeated
// descriptions map to the same SKU across runs.
func DeriveSKU(itemID string, description string) string {
	if id := strings.TrimSpace(itemID); id != "" {
		return id
	}
	desc := strings.ToUpper(strings.TrimSpace(description))
	if desc == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(desc))
	return "SKU-" + hex.EncodeToString(sum[:8])
}

func totalMismatch(qty, price, total *float64) bool {
	if qty == nil || price == nil || total == nil {
		return false
	}
	diff := *qty**price - *total
	if diff < 0 {
		diff = -diff
	}
	return diff > totalTolerance
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
