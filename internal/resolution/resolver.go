// Package resolution decides what a duplicate-transaction conflict actually
// means by asking the gateway for its record of the conflicting id.
package resolution

import (
	"context"
	"log"

	"github.com/wakala/batchpay/internal/gateway"
)

// Outcome is the reconciled view of a previously seen transaction id.
type Outcome struct {
	OK       bool
	Bucket   gateway.Bucket
	Status   string
	UniqueID string
	Message  string
}

// Conclusive reports whether the prior submission explains the conflict, in
// which case its result is adopted instead of retrying.
func (o Outcome) Conclusive() bool {
	return o.OK && o.Bucket != gateway.BucketNeither
}

// Resolver queries the gateway directly, never the local cache, because the
// conflicting submission may be seconds old.
type Resolver struct {
	gw gateway.Gateway
}

func NewResolver(gw gateway.Gateway) *Resolver {
	return &Resolver{gw: gw}
}

// Resolve never fails: transport errors come back as an inconclusive Outcome
// so the caller always has something to branch on.
func (r *Resolver) Resolve(ctx context.Context, transactionID string) Outcome {
	resp, err := r.gw.Reconcile(ctx, transactionID)
	if err != nil {
		log.Printf("[resolution] WARNING: reconcile %s failed: %v", transactionID, err)
		return Outcome{OK: false, Bucket: gateway.BucketNeither, Message: err.Error()}
	}
	if resp == nil {
		return Outcome{OK: false, Bucket: gateway.BucketNeither, Message: "empty reconcile response"}
	}

	out := Outcome{
		OK:       resp.OK,
		Status:   resp.Status,
		UniqueID: resp.UniqueID,
		Message:  firstNonEmpty(resp.Message, resp.TechnicalMessage),
	}
	if resp.OK {
		out.Bucket = gateway.ClassifyStatus(resp.Status)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
