package gateway

import "strings"

// Bucket groups gateway status strings by what they mean for a prior submission.
type Bucket int

const (
	BucketNeither Bucket = iota
	BucketApproved
	BucketPending
)

func (b Bucket) String() string {
	switch b {
	case BucketApproved:
		return "approved"
	case BucketPending:
		return "pending"
	default:
		return "neither"
	}
}

var statusBuckets = map[string]Bucket{
	"approved":      BucketApproved,
	"success":       BucketApproved,
	"successful":    BucketApproved,
	"pending":       BucketPending,
	"in_progress":   BucketPending,
	"processing":    BucketPending,
	"pending_async": BucketPending,
	"created":       BucketPending,
}

// ClassifyStatus buckets a gateway status, case-insensitively.
func ClassifyStatus(status string) Bucket {
	return statusBuckets[strings.ToLower(strings.TrimSpace(status))]
}
