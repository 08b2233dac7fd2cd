package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultInvoicePrefix is used when no prefix is configured.
const DefaultInvoicePrefix = "INV"

const invoiceSequenceDigits = 6

// Invoice is created once per meter and resolved period.
type Invoice struct {
	ID             string
	Number         string
	CustomerID     string
	MeterID        string
	RatePlanID     string
	ExecutionID    string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	ConsumptionM3  decimal.Decimal
	WaterCharge    decimal.Decimal
	SewerageCharge decimal.Decimal
	FixedCharge    decimal.Decimal
	Additional     decimal.Decimal
	Discounts      decimal.Decimal
	Taxes          decimal.Decimal
	Total          decimal.Decimal
	AmountDue      decimal.Decimal
	DueDate        time.Time
	IssuedAt       time.Time
	Notes          string
}

// InvoiceDraft carries everything needed to persist an invoice except its number.
type InvoiceDraft struct {
	NumberPrefix  string
	CustomerID    string
	MeterID       string
	RatePlanID    string
	ExecutionID   string
	Period        Period
	ConsumptionM3 decimal.Decimal
	Charges       Charges
	IssuedAt      time.Time
	DueDate       time.Time
	Notes         string
}

// Build materializes the draft under the given id and number.
func (d InvoiceDraft) Build(id, number string) Invoice {
	return Invoice{
		ID:             id,
		Number:         number,
		CustomerID:     d.CustomerID,
		MeterID:        d.MeterID,
		RatePlanID:     d.RatePlanID,
		ExecutionID:    d.ExecutionID,
		PeriodStart:    d.Period.Start,
		PeriodEnd:      d.Period.End,
		ConsumptionM3:  d.ConsumptionM3,
		WaterCharge:    d.Charges.Water,
		SewerageCharge: d.Charges.Sewerage,
		FixedCharge:    d.Charges.Fixed,
		Additional:     d.Charges.Additional,
		Discounts:      d.Charges.Discounts,
		Taxes:          d.Charges.Taxes,
		Total:          d.Charges.Total,
		AmountDue:      d.Charges.Total,
		DueDate:        d.DueDate,
		IssuedAt:       d.IssuedAt,
		Notes:          d.Notes,
	}
}

// InvoiceNote is the free-text note put on automatic invoices.
func InvoiceNote(p Period) string {
	return fmt.Sprintf("Automatic invoice for period %s to %s",
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}

// FormatInvoiceNumber renders PREFIX-000042.
func FormatInvoiceNumber(prefix string, seq int64) string {
	if prefix == "" {
		prefix = DefaultInvoicePrefix
	}
	return fmt.Sprintf("%s-%0*d", prefix, invoiceSequenceDigits, seq)
}

// ParseInvoiceSequence extracts the numeric suffix of an invoice number with the given prefix.
func ParseInvoiceSequence(prefix, number string) (int64, bool) {
	if prefix == "" {
		prefix = DefaultInvoicePrefix
	}
	raw, ok := strings.CutPrefix(number, prefix+"-")
	if !ok || raw == "" {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// NextInvoiceSequence returns the sequence following the highest existing number.
func NextInvoiceSequence(prefix, highest string) int64 {
	seq, ok := ParseInvoiceSequence(prefix, highest)
	if !ok {
		return 1
	}
	return seq + 1
}
