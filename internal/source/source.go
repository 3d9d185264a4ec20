// Package source yields raw purchase-order payloads from the upstream
// producer. The upstream serves nested header+items documents with
// source-specific date encodings and mixed numeric string formats; decoding
// here is deliberately lenient and keeps the original bytes for audit.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUpstream wraps extraction failures (network, auth, malformed response).
// A run that hits one aborts without advancing its checkpoint.
var ErrUpstream = errors.New("upstream fetch failed")

// FlexString accepts JSON strings, numbers and null. The upstream emits
// numeric fields inconsistently as "1,250.00" or 1250.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(data)
	return nil
}

func (f FlexString) String() string { return string(f) }

// RawItem is one nested line-item payload as received.
type RawItem struct {
	PurchaseOrderNo FlexString `json:"purchase_order_no"`
	ItemID          FlexString `json:"item_id"`
	Description     string     `json:"description"`
	Quantity        FlexString `json:"quantity"`
	// The upstream schema carries a long-standing "quanity" typo on some
	// records; both spellings are delivered in the wild.
	Quanity       FlexString `json:"quanity"`
	UnitOfMeasure string     `json:"unit_of_measure"`
	UnitPrice     FlexString `json:"unit_price"`
	Total         FlexString `json:"total"`
	Currency      string     `json:"currency"`
	Plant         string     `json:"plant"`
	MaterialGroup string     `json:"material_group"`
	ProductID     string     `json:"product_id"`

	raw json.RawMessage
}

// Raw returns the item's original payload bytes.
func (it RawItem) Raw() json.RawMessage { return it.raw }

func (it *RawItem) UnmarshalJSON(data []byte) error {
	type alias RawItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*it = RawItem(a)
	it.raw = append(json.RawMessage(nil), data...)
	return nil
}

// RawItems accepts both the enveloped form {"results": [...]} and a bare
// array, the two shapes the upstream uses for to_items.
type RawItems []RawItem

func (ri *RawItems) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*ri = nil
		return nil
	}
	if data[0] == '[' {
		var items []RawItem
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*ri = items
		return nil
	}
	var env struct {
		Results []RawItem `json:"results"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*ri = env.Results
	return nil
}

// RawRecord is one purchase-order payload as received: a header with an
// embedded collection of line items. Immutable once fetched.
type RawRecord struct {
	PurchaseOrderID     FlexString `json:"purchase_order_id"`
	OrderDate           string     `json:"order_date"`
	CDate               string     `json:"cdate"`
	Currency            string     `json:"currency"`
	Status              string     `json:"status"`
	BuyerCompanyName    string     `json:"buyer_company_name"`
	BuyerEmail          string     `json:"buyer_email"`
	SupplierCompanyName string     `json:"supplier_company_name"`
	SupplierID          FlexString `json:"supplier_id"`
	Subtotal            FlexString `json:"Subtotal"`
	Tax                 FlexString `json:"tax"`
	GrandAmount         FlexString `json:"grand_amount"`
	ToItems             RawItems   `json:"to_items"`

	raw json.RawMessage
}

// Raw returns the record's original payload bytes, unmodified.
func (r RawRecord) Raw() json.RawMessage { return r.raw }

func (r *RawRecord) UnmarshalJSON(data []byte) error {
	type alias RawRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = RawRecord(a)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Query selects one extraction window and page.
type Query struct {
	From   time.Time // zero = unbounded
	To     time.Time // zero = unbounded
	Offset int
	Limit  int
}

// Page is one page of raw records plus pagination state.
type Page struct {
	Records  []RawRecord
	Returned int
	HasMore  bool
}

// Source is the upstream producer interface consumed by the pipeline.
type Source interface {
	// Fetch retrieves one page. Implementations normalize pagination:
	// Returned defaults to len(Records), HasMore to len(Records) > 0.
	Fetch(ctx context.Context, q Query) (Page, error)

	// Close releases any resources.
	Close() error
}

// Config selects and configures a source.
type Config struct {
	Mode           string        `yaml:"mode"` // "http" | "stage"
	BaseURL        string        `yaml:"base_url"`
	PageSize       int           `yaml:"page_size"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// New creates a source based on configuration. Stage-replay sources are
// constructed separately because they need a stage archive and run label.
func New(cfg Config) (Source, error) {
	switch cfg.Mode {
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url required for http source")
		}
		return NewHTTPSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown source mode: %s", cfg.Mode)
	}
}
