package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Mohammednazel/SKU-Analysis-ETL/internal/source"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/Date(1715731200000)/", "2024-05-15", false},
		{"2024-05-15T08:30:00Z", "2024-05-15", false},
		{"2024-05-15T08:30:00", "2024-05-15", false},
		{"2024-05-15", "2024-05-15", false},
		{"", "0001-01-01", false},
		{"  ", "0001-01-01", false},
		{"not-a-date", "", true},
		{"/Date(abc)/", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDate(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDate(%q): %v", tt.in, err)
			continue
		}
		if got.Format("2006-01-02") != tt.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.in, got.Format("2006-01-02"), tt.want)
		}
	}
}

func TestParseNumeric(t *testing.T) {
	if v := ParseNumeric("1,250.00"); v == nil || *v != 1250 {
		t.Errorf("ParseNumeric(1,250.00) = %v", v)
	}
	if v := ParseNumeric(" 42 "); v == nil || *v != 42 {
		t.Errorf("ParseNumeric(42) = %v", v)
	}
	if v := ParseNumeric(""); v != nil {
		t.Errorf("ParseNumeric(empty) = %v, want nil", v)
	}
	if v := ParseNumeric("n/a"); v != nil {
		t.Errorf("ParseNumeric(n/a) = %v, want nil", v)
	}
	// Zero parses to zero, not nil.
	if v := ParseNumeric("0"); v == nil || *v != 0 {
		t.Errorf("ParseNumeric(0) = %v", v)
	}
}

func TestDeriveSKUDeterministic(t *testing.T) {
	if got := DeriveSKU("MAT-001", "Steel Bolt"); got != "MAT-001" {
		t.Errorf("item_id should win: got %q", got)
	}
	a := DeriveSKU("", "  steel bolt ")
	b := DeriveSKU("", "STEEL BOLT")
	if a == "" || a != b {
		t.Errorf("description-derived SKUs differ: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "SKU-") {
		t.Errorf("derived SKU missing prefix: %q", a)
	}
	if DeriveSKU("", "") != "" {
		t.Error("expected empty SKU for empty inputs")
	}
}

func mustRecord(t *testing.T, payload string) source.RawRecord {
	t.Helper()
	var rec source.RawRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return rec
}

func TestFlattenFullRecord(t *testing.T) {
	rec := mustRecord(t, `{
		"purchase_order_id": "PO100",
		"order_date": "/Date(1715731200000)/",
		"currency": "USD",
		"Subtotal": "1,000.00",
		"to_items": {"results": [
			{"purchase_order_no": "10", "item_id": "MAT-1", "quantity": "2", "unit_price": "10.00", "total": "20.00"},
			{"purchase_order_no": "20", "description": "Widget", "quanity": "3", "unit_price": "5", "total": "15"}
		]}
	}`)

	res := Flatten([]source.RawRecord{rec})
	if len(res.Malformed) != 0 {
		t.Fatalf("malformed = %+v", res.Malformed)
	}
	if len(res.Headers) != 1 || len(res.Items) != 2 {
		t.Fatalf("headers=%d items=%d", len(res.Headers), len(res.Items))
	}

	h := res.Headers[0]
	if h.PurchaseOrderID != "PO100" {
		t.Errorf("PurchaseOrderID = %q", h.PurchaseOrderID)
	}
	if h.OrderDate.Format("2006-01-02") != "2024-05-15" {
		t.Errorf("OrderDate = %s", h.OrderDate)
	}
	if h.Subtotal == nil || *h.Subtotal != 1000 {
		t.Errorf("Subtotal = %v", h.Subtotal)
	}

	it := res.Items[0]
	if it.Quantity == nil || *it.Quantity != 2 {
		t.Errorf("Quantity = %v", it.Quantity)
	}
	if it.SKU != "MAT-1" {
		t.Errorf("SKU = %q", it.SKU)
	}
	if it.TotalMismatch {
		t.Error("unexpected total mismatch on consistent row")
	}
	if !it.OrderDate.Equal(h.OrderDate) {
		t.Error("item should inherit header order date")
	}

	// Second item uses the "quanity" spelling.
	it2 := res.Items[1]
	if it2.Quantity == nil || *it2.Quantity != 3 {
		t.Errorf("quanity fallback: Quantity = %v", it2.Quantity)
	}
	if it2.SKU == "" {
		t.Error("expected description-derived SKU")
	}
}

func TestFlattenTotalMismatchFlag(t *testing.T) {
	rec := mustRecord(t, `{
		"purchase_order_id": "PO1", "order_date": "2024-05-01",
		"to_items": [{"purchase_order_no": "10", "quantity": "2", "unit_price": "10.00", "total": "25.00"}]
	}`)
	res := Flatten([]source.RawRecord{rec})
	if len(res.Items) != 1 || !res.Items[0].TotalMismatch {
		t.Fatalf("expected total mismatch flag, got %+v", res.Items)
	}
}

func TestFlattenMalformedRouting(t *testing.T) {
	recs := []source.RawRecord{
		mustRecord(t, `{"order_date": "2024-05-01"}`),
		mustRecord(t, `{"purchase_order_id": "PO2", "order_date": "garbage"}`),
		mustRecord(t, `{"purchase_order_id": "PO3", "order_date": "2024-05-01",
			"to_items": [{"item_id": "MAT-9"}, {"purchase_order_no": "10"}]}`),
	}
	res := Flatten(recs)

	// PO3 survives with one good item; the missing-key item and the two bad
	// records are quarantined.
	if len(res.Headers) != 1 || res.Headers[0].PurchaseOrderID != "PO3" {
		t.Fatalf("headers = %+v", res.Headers)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %+v", res.Items)
	}
	if len(res.Malformed) != 3 {
		t.Fatalf("malformed = %d, want 3", len(res.Malformed))
	}
	for _, m := range res.Malformed {
		if m.Reason == "" {
			t.Error("malformed record without reason")
		}
	}
}

func TestFlattenFallsBackToCDate(t *testing.T) {
	rec := mustRecord(t, `{"purchase_order_id": "PO9", "cdate": "2024-03-02T10:00:00Z"}`)
	res := Flatten([]source.RawRecord{rec})
	if len(res.Headers) != 1 {
		t.Fatalf("headers = %d, malformed = %+v", len(res.Headers), res.Malformed)
	}
	want := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	if !res.Headers[0].OrderDate.Equal(want) {
		t.Errorf("OrderDate = %s, want %s", res.Headers[0].OrderDate, want)
	}
	if res.Headers[0].CreatedDate == nil {
		t.Error("CreatedDate not retained")
	}
}
