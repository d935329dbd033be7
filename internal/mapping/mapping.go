// Package mapping turns raw upload records into gateway submit requests.
package mapping

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wakala/batchpay/internal/currency"
	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/gateway"
)

// Columns names the record fields each request attribute is read from.
type Columns struct {
	TransactionID string `mapstructure:"transaction_id"`
	Amount        string `mapstructure:"amount"`
	Currency      string `mapstructure:"currency"`
	FirstName     string `mapstructure:"first_name"`
	LastName      string `mapstructure:"last_name"`
	Email         string `mapstructure:"email"`
	IBAN          string `mapstructure:"iban"`
	BIC           string `mapstructure:"bic"`
	Usage         string `mapstructure:"usage"`
}

type Config struct {
	Columns         Columns `mapstructure:"columns"`
	DefaultCurrency string  `mapstructure:"default_currency"`
	ReturnURL       string  `mapstructure:"return_url"`
	NotifyURL       string  `mapstructure:"notify_url"`
}

func DefaultConfig() Config {
	return Config{
		Columns: Columns{
			TransactionID: "transaction_id",
			Amount:        "amount",
			Currency:      "currency",
			FirstName:     "first_name",
			LastName:      "last_name",
			Email:         "email",
			IBAN:          "iban",
			BIC:           "bic",
			Usage:         "usage",
		},
		DefaultCurrency: "EUR",
	}
}

// ValidationError reports a record that cannot be submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Mapper maps a record to a submit request. The TransactionID of the returned
// request is the raw id from the record, possibly empty.
type Mapper interface {
	Map(rec domain.Record) (gateway.SubmitRequest, error)
	IBAN(rec domain.Record) string
}

// ColumnMapper is the Mapper driven by a Columns table.
type ColumnMapper struct {
	cfg Config
}

var _ Mapper = (*ColumnMapper)(nil)

func NewColumnMapper(cfg Config) *ColumnMapper {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "EUR"
	}
	return &ColumnMapper{cfg: cfg}
}

func (m *ColumnMapper) Map(rec domain.Record) (gateway.SubmitRequest, error) {
	c := m.cfg.Columns
	req := gateway.SubmitRequest{
		TransactionID: field(rec, c.TransactionID),
		Currency:      strings.ToUpper(field(rec, c.Currency)),
		FirstName:     field(rec, c.FirstName),
		LastName:      field(rec, c.LastName),
		Email:         field(rec, c.Email),
		IBAN:          NormalizeIBAN(field(rec, c.IBAN)),
		BIC:           strings.ToUpper(field(rec, c.BIC)),
		Usage:         field(rec, c.Usage),
		ReturnURL:     m.cfg.ReturnURL,
		NotifyURL:     m.cfg.NotifyURL,
	}
	if req.Currency == "" {
		req.Currency = m.cfg.DefaultCurrency
	}

	amount, err := ParseAmount(field(rec, c.Amount), req.Currency)
	if err != nil {
		return req, &ValidationError{Field: c.Amount, Reason: err.Error()}
	}
	req.Amount = amount

	switch {
	case len(req.Currency) != 3:
		return req, &ValidationError{Field: c.Currency, Reason: fmt.Sprintf("invalid currency %q", req.Currency)}
	case req.IBAN == "":
		return req, &ValidationError{Field: c.IBAN, Reason: "missing"}
	case len(req.IBAN) < 15 || len(req.IBAN) > 34:
		return req, &ValidationError{Field: c.IBAN, Reason: "invalid length"}
	case req.FirstName == "" && req.LastName == "":
		return req, &ValidationError{Field: c.LastName, Reason: "payer name missing"}
	}
	if req.Usage == "" {
		req.Usage = req.TransactionID
	}
	return req, nil
}

func (m *ColumnMapper) IBAN(rec domain.Record) string {
	return NormalizeIBAN(field(rec, m.cfg.Columns.IBAN))
}

// ParseAmount converts a decimal amount string such as "12.50" or "12,50"
// into integer minor units of the given currency.
func ParseAmount(s, code string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing")
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	minor, err := currency.ToMinor(d, code)
	if err != nil {
		return 0, err
	}
	if minor <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return minor, nil
}

// NormalizeIBAN strips whitespace and upper-cases.
func NormalizeIBAN(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// Mask returns the snapshot of req stored on the row.
func Mask(req gateway.SubmitRequest) *domain.RequestSnapshot {
	return &domain.RequestSnapshot{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Email:         maskEmail(req.Email),
		IBAN:          maskIBAN(req.IBAN),
		Usage:         req.Usage,
	}
}

func maskIBAN(iban string) string {
	if len(iban) <= 8 {
		return strings.Repeat("*", len(iban))
	}
	return iban[:4] + strings.Repeat("*", len(iban)-8) + iban[len(iban)-4:]
}

func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

func field(rec domain.Record, col string) string {
	if col == "" {
		return ""
	}
	return strings.TrimSpace(rec[col])
}
