package gateway

import "strings"

type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindDuplicateTransaction ErrorKind = "duplicate_transaction"
	KindValidation           ErrorKind = "validation"
	KindTransient            ErrorKind = "transient"
	KindUnknown              ErrorKind = "unknown"
)

// Rule matches when every phrase appears, case-insensitively, in the text
// under inspection.
type Rule struct {
	Kind    ErrorKind
	Phrases []string
}

// Classifier maps failure text to an ErrorKind. Rules are evaluated in order;
// the first match wins.
type Classifier struct {
	Rules []Rule
}

// DefaultRules is the stopgap predicate table for gateways that report
// duplicates only in free text.
var DefaultRules = []Rule{
	{Kind: KindDuplicateTransaction, Phrases: []string{"transaction id", "already"}},
	{Kind: KindDuplicateTransaction, Phrases: []string{"transaction_id", "already"}},
	{Kind: KindDuplicateTransaction, Phrases: []string{"duplicate transaction"}},
	{Kind: KindDuplicateTransaction, Phrases: []string{"duplicate", "transactionid"}},
	{Kind: KindDuplicateTransaction, Phrases: []string{"duplicate", "transaction_id"}},
	{Kind: KindTransient, Phrases: []string{"timeout"}},
	{Kind: KindTransient, Phrases: []string{"temporarily unavailable"}},
	{Kind: KindTransient, Phrases: []string{"connection refused"}},
	{Kind: KindTransient, Phrases: []string{"connection reset"}},
	{Kind: KindValidation, Phrases: []string{"invalid"}},
	{Kind: KindValidation, Phrases: []string{"required"}},
}

// NewClassifier returns a Classifier using DefaultRules.
func NewClassifier() *Classifier {
	return &Classifier{Rules: DefaultRules}
}

// Classify inspects every piece of failure text together.
func (c *Classifier) Classify(texts ...string) ErrorKind {
	hay := strings.ToLower(strings.Join(texts, "\n"))
	if strings.TrimSpace(hay) == "" {
		return KindUnknown
	}
	for _, r := range c.Rules {
		if matchAll(hay, r.Phrases) {
			return r.Kind
		}
	}
	return KindUnknown
}

// Annotate sets resp.Kind from its own text plus an optional local error.
func (c *Classifier) Annotate(resp *Response, localErr error) {
	if resp.OK && localErr == nil {
		resp.Kind = KindNone
		return
	}
	texts := []string{resp.Message, resp.TechnicalMessage}
	if localErr != nil {
		texts = append(texts, localErr.Error())
	}
	resp.Kind = c.Classify(texts...)
}

func matchAll(hay string, phrases []string) bool {
	if len(phrases) == 0 {
		return false
	}
	for _, p := range phrases {
		if !strings.Contains(hay, strings.ToLower(p)) {
			return false
		}
	}
	return true
}
