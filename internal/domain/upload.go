package domain

import "time"

type RowStatus string

const (
	RowPending   RowStatus = "pending"
	RowSubmitted RowStatus = "submitted"
	RowApproved  RowStatus = "approved"
	RowError     RowStatus = "error"
)

// Record is one raw input line keyed by column header.
type Record map[string]string

// Upload is an ordered batch of records submitted together. Rows[i] always
// describes Records[i].
type Upload struct {
	ID              string           `json:"id"`
	Headers         []string         `json:"headers"`
	Records         []Record         `json:"records"`
	Rows            []RowState       `json:"rows"`
	FilteredRecords []FilteredRecord `json:"filtered_records,omitempty"`
	ApprovedCount   int              `json:"approved_count"`
	ErrorCount      int              `json:"error_count"`
	OrgTags         []string         `json:"org_tags,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RowState tracks the submission lifecycle of a single record.
type RowState struct {
	Status              RowStatus        `json:"status"`
	BaseTransactionID   string           `json:"baseTransactionId,omitempty"`
	RetryCount          int              `json:"retryCount"`
	DuplicateRetries    int              `json:"duplicateRetries"`
	LastTransactionID   string           `json:"lastTransactionId,omitempty"`
	Attempts            int              `json:"attempts"`
	LastAttemptAt       *time.Time       `json:"lastAttemptAt,omitempty"`
	ResolvedViaExisting bool             `json:"resolvedViaExisting,omitempty"`
	Request             *RequestSnapshot `json:"request,omitempty"`
	Result              *ResultSnapshot  `json:"result,omitempty"`
}

// Terminal reports whether the row must never be reprocessed.
func (r RowState) Terminal() bool {
	return r.Status == RowApproved
}

// RequestSnapshot is the masked copy of the last request sent for a row.
type RequestSnapshot struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	Email         string `json:"email,omitempty"`
	IBAN          string `json:"iban,omitempty"`
	Usage         string `json:"usage,omitempty"`
}

type ResultSnapshot struct {
	GatewayUniqueID  string `json:"gatewayUniqueId,omitempty"`
	GatewayStatus    string `json:"gatewayStatus,omitempty"`
	Message          string `json:"message,omitempty"`
	TechnicalMessage string `json:"technicalMessage,omitempty"`
}

// FilteredRecord is a record removed from an upload before submission,
// kept for later review.
type FilteredRecord struct {
	Index  int       `json:"index"`
	Record Record    `json:"record"`
	Reason string    `json:"reason"`
	IBAN   string    `json:"iban"`
	At     time.Time `json:"at"`
}

// Counters are the aggregate per-status counts of an upload.
type Counters struct {
	Approved  int `json:"approved"`
	Submitted int `json:"submitted"`
	Error     int `json:"error"`
	Pending   int `json:"pending"`
}

// CountRows recomputes the aggregate counters from row states.
func CountRows(rows []RowState) Counters {
	var c Counters
	for _, r := range rows {
		switch r.Status {
		case RowApproved:
			c.Approved++
		case RowSubmitted:
			c.Submitted++
		case RowError:
			c.Error++
		default:
			c.Pending++
		}
	}
	return c
}

// NewRows returns n pending row states.
func NewRows(n int) []RowState {
	rows := make([]RowState, n)
	for i := range rows {
		rows[i].Status = RowPending
	}
	return rows
}
