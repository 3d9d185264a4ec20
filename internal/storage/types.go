package storage

import (
	"encoding/json"
	"time"
)

// Header is one purchase order's order-level row. Headers are deduplicated by
// (purchase_order_id, order_date) and never updated after first insert.
type Header struct {
	PurchaseOrderID     string          `json:"purchase_order_id"`
	OrderDate           time.Time       `json:"order_date"`
	BuyerCompanyName    string          `json:"buyer_company_name,omitempty"`
	BuyerEmail          string          `json:"buyer_email,omitempty"`
	SupplierCompanyName string          `json:"supplier_company_name,omitempty"`
	SupplierID          string          `json:"supplier_id,omitempty"`
	Subtotal            *float64        `json:"subtotal,omitempty"`
	Tax                 *float64        `json:"tax,omitempty"`
	GrandAmount         *float64        `json:"grand_amount,omitempty"`
	Currency            string          `json:"currency,omitempty"`
	Status              string          `json:"status,omitempty"`
	CreatedDate         *time.Time      `json:"cdate,omitempty"`
	RawJSON             json.RawMessage `json:"raw_json,omitempty"`
}

// LineItem is one line within a purchase order. The logical identity is
// (purchase_order_id, purchase_order_no); the physical store additionally
// keys on order_date because that is the partitioning column.
type LineItem struct {
	PurchaseOrderID string          `json:"purchase_order_id"`
	PurchaseOrderNo string          `json:"purchase_order_no"`
	ItemID          string          `json:"item_id,omitempty"`
	SKU             string          `json:"sku,omitempty"`
	Description     string          `json:"description,omitempty"`
	Quantity        *float64        `json:"quantity,omitempty"`
	UnitOfMeasure   string          `json:"unit_of_measure,omitempty"`
	UnitPrice       *float64        `json:"unit_price,omitempty"`
	Total           *float64        `json:"total,omitempty"`
	TotalMismatch   bool            `json:"total_mismatch,omitempty"`
	Currency        string          `json:"currency,omitempty"`
	OrderDate       time.Time       `json:"order_date"`
	CreatedDate     *time.Time      `json:"cdate,omitempty"`
	SupplierID      string          `json:"supplier_id,omitempty"`
	Plant           string          `json:"plant,omitempty"`
	MaterialGroup   string          `json:"material_group,omitempty"`
	ProductID       string          `json:"product_id,omitempty"`
	RawJSON         json.RawMessage `json:"raw_json,omitempty"`
}

// QuarantinedRecord holds a record that failed validation. It never reaches
// the primary tables and is retained for manual review only.
type QuarantinedRecord struct {
	PurchaseOrderID string          `json:"purchase_order_id"`
	PurchaseOrderNo string          `json:"purchase_order_no,omitempty"`
	Reason          string          `json:"reason"`
	RawJSON         json.RawMessage `json:"raw_json,omitempty"`
	QuarantinedAt   time.Time       `json:"quarantined_at"`
}

// ConflictEntry captures a write collision where the incoming row differed
// from the stored one. The stored row is left untouched.
type ConflictEntry struct {
	Table      string          `json:"table"`
	Key        string          `json:"key"`
	DiffFields []string        `json:"diff_fields"`
	Existing   json.RawMessage `json:"existing_row"`
	Incoming   json.RawMessage `json:"incoming_row"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Run statuses recorded in the run log.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// RunRecord is one ingestion execution in the run log.
type RunRecord struct {
	ID            int64     `json:"id"`
	Mode          string    `json:"mode"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	RowsProcessed int64     `json:"rows_processed"`
	RowsInserted  int64     `json:"rows_inserted"`
	RowsUpdated   int64     `json:"rows_updated"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Checkpoint is the durable extraction cursor for one job.
type Checkpoint struct {
	JobName    string    `json:"job_name"`
	LastOffset int64     `json:"last_offset"`
	LastRun    time.Time `json:"last_run"`
}

// Lock describes the holder of a job's run lock.
type Lock struct {
	JobName   string    `json:"job_name"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

// Table names of the two partitioned relations.
const (
	TableHeaders = "purchase_order_headers"
	TableItems   = "purchase_order_items"
)
