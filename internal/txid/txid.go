// Package txid derives gateway transaction identifiers. A record keeps one
// stable base id for its whole life; every duplicate retry submits a distinct
// variant of that base which can be traced back to it.
package txid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RetrySeparator joins a base id and its retry generation.
const RetrySeparator = "__R"

var retrySuffix = regexp.MustCompile(`__R[1-9][0-9]*$`)

// DeriveBase strips a retry suffix, if any, and surrounding whitespace.
func DeriveBase(rawID string) string {
	id := strings.TrimSpace(rawID)
	return retrySuffix.ReplaceAllString(id, "")
}

// WithRetry returns the identifier for retry generation n. Generation 0 is the
// base id itself.
func WithRetry(baseID string, n int) string {
	if n <= 0 {
		return baseID
	}
	return baseID + RetrySeparator + strconv.Itoa(n)
}

// Generation returns the retry generation encoded in id, 0 for a base id.
func Generation(id string) int {
	loc := retrySuffix.FindStringIndex(id)
	if loc == nil {
		return 0
	}
	n, err := strconv.Atoi(id[loc[0]+len(RetrySeparator):])
	if err != nil {
		return 0
	}
	return n
}

// Fallback builds a deterministic base id for a record that carries none.
func Fallback(uploadID string, index int) string {
	return DeriveBase(fmt.Sprintf("%s-%d", uploadID, index+1))
}
