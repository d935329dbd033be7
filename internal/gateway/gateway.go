// Package gateway describes the payment gateway contract the engine depends on
// and provides an HTTP implementation of it.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// SubmitRequest is a single payment instruction.
type SubmitRequest struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email,omitempty"`
	IBAN          string `json:"iban"`
	BIC           string `json:"bic,omitempty"`
	Usage         string `json:"usage"`
	ReturnURL     string `json:"returnUrl,omitempty"`
	NotifyURL     string `json:"notifyUrl,omitempty"`
}

// Response is the gateway's answer to a submit or a reconcile-by-id call.
// Kind is computed once at the adapter boundary; callers branch on it rather
// than on message text.
type Response struct {
	OK               bool      `json:"ok"`
	Status           string    `json:"status"`
	UniqueID         string    `json:"uniqueId"`
	Message          string    `json:"message"`
	TechnicalMessage string    `json:"technicalMessage"`
	Kind             ErrorKind `json:"-"`
}

// RangeResult holds raw gateway documents recorded in a date window. Documents
// are kept raw because historical feeds mix field spellings.
type RangeResult struct {
	Transactions []json.RawMessage `json:"transactions"`
	Chargebacks  []json.RawMessage `json:"chargebacks"`
}

// Gateway is the remote payment processor.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (*Response, error)
	Reconcile(ctx context.Context, transactionID string) (*Response, error)
	ReconcileRange(ctx context.Context, from, to time.Time) (*RangeResult, error)
}
