package storage

import (
	"fmt"
	"time"
)

// Period is one monthly partition bucket. Records are routed to a period
// purely from their order_date.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the monthly bucket containing t (in UTC).
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// Start returns the inclusive lower bound of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive upper bound of the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Next returns the following month.
func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// Suffix returns the partition-name suffix, e.g. "p_2024_05".
func (p Period) Suffix() string {
	return fmt.Sprintf("p_%04d_%02d", p.Year, int(p.Month))
}

// PartitionName returns the child-table name for a parent table,
// e.g. "purchase_order_items_p_2024_05".
func (p Period) PartitionName(table string) string {
	return table + "_" + p.Suffix()
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
