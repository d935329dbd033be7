package chargeback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wakala/batchpay/internal/domain"
)

// Selector picks which records of an upload an export contains.
type Selector string

const (
	SelectChargebacks Selector = "chargebacks"
	SelectClean       Selector = "clean"
)

func ParseSelector(s string) (Selector, error) {
	switch Selector(strings.ToLower(strings.TrimSpace(s))) {
	case SelectChargebacks:
		return SelectChargebacks, nil
	case SelectClean:
		return SelectClean, nil
	}
	return "", fmt.Errorf("unknown export type %q", s)
}

// Export writes the selected records of u as delimited text, header first,
// in original row and column order. It returns the number of records written.
func (e *Engine) Export(ctx context.Context, w io.Writer, u *domain.Upload, sel Selector, delim rune) (int, error) {
	lk, err := e.link(ctx, []domain.Upload{*u})
	if err != nil {
		return 0, err
	}
	charged := lk.charged[0]

	headers := u.Headers
	if len(headers) == 0 {
		headers = recordKeys(u.Records)
	}

	bw := bufio.NewWriter(w)
	writeLine(bw, headers, delim)
	n := 0
	for i, rec := range u.Records {
		if charged[i] != (sel == SelectChargebacks) {
			continue
		}
		fields := make([]string, len(headers))
		for j, h := range headers {
			fields[j] = rec[h]
		}
		writeLine(bw, fields, delim)
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}

func writeLine(w *bufio.Writer, fields []string, delim rune) {
	for i, f := range fields {
		if i > 0 {
			w.WriteRune(delim)
		}
		w.WriteString(quote(f, delim))
	}
	w.WriteByte('\n')
}

// quote wraps a field in double quotes when it contains the delimiter, a
// quote or a line break. Embedded quotes are doubled.
func quote(s string, delim rune) string {
	if !strings.ContainsRune(s, delim) && !strings.ContainsAny(s, "\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func recordKeys(records []domain.Record) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	return sortedKeys(seen)
}
