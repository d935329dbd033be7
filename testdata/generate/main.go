// Command generate writes a sample upload CSV and a matching gateway
// reconcile feed for local runs against a stub gateway.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

const rows = 120

var (
	firstNames = []string{"Ada", "Alan", "Grace", "Edsger", "Barbara", "Donald", "Frances", "Ken"}
	lastNames  = []string{"Lovelace", "Turing", "Hopper", "Dijkstra", "Liskov", "Knuth", "Allen", "Thompson"}
	countries  = []string{"DE", "FR", "NL", "ES", "IT", "AT", "BE"}
)

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	day := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	// A few accounts recur across rows so the IBAN pre-filter has work to do.
	ibans := make([]string, rows/3)
	for i := range ibans {
		ibans[i] = randomIBAN(rng)
	}

	f, err := os.Create(filepath.Join(baseDir, "batch.csv"))
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	w.Write([]string{"transaction_id", "amount", "currency", "first_name", "last_name", "email", "iban", "usage"})

	var txns, chargebacks []map[string]any
	for i := 1; i <= rows; i++ {
		txnID := fmt.Sprintf("BP-%05d", i)
		amount := decimal.New(int64(500+rng.Intn(95000)), -2)
		first := firstNames[rng.Intn(len(firstNames))]
		last := lastNames[rng.Intn(len(lastNames))]
		iban := ibans[rng.Intn(len(ibans))]

		// 3% invalid rows: missing IBAN.
		if rng.Float64() < 0.03 {
			iban = ""
		}

		w.Write([]string{
			txnID,
			amount.StringFixed(2),
			"EUR",
			first,
			last,
			fmt.Sprintf("%s.%s@example.org", first, last),
			iban,
			"Invoice " + txnID,
		})
		if iban == "" {
			continue
		}

		uid := fmt.Sprintf("GW%010d", rng.Int63n(1e10))
		at := day.Add(time.Duration(rng.Intn(14*24)) * time.Hour)

		// Historical feeds mix camelCase and snake_case documents.
		if i%2 == 0 {
			txns = append(txns, map[string]any{
				"transactionId": txnID, "uniqueId": uid, "status": "approved",
				"amount": amount.StringFixed(2), "timestamp": at.Format(time.RFC3339),
			})
		} else {
			txns = append(txns, map[string]any{
				"transaction_id": txnID, "unique_id": uid, "status": "approved",
				"amount": amount.StringFixed(2), "transaction_date": at.Format("2006-01-02"),
			})
		}

		// 4% chargebacks.
		if rng.Float64() < 0.04 {
			chargebacks = append(chargebacks, map[string]any{
				"uniqueId":                    fmt.Sprintf("CB%08d", i),
				"originalTransactionUniqueId": uid,
				"reasonCode":                  "MD06",
				"reasonDescription":           "Refund request by end customer",
				"amount":                      amount.StringFixed(2),
				"postDate":                    at.AddDate(0, 0, 10).Format("2006-01-02"),
			})
		}
	}
	fmt.Printf("Generated %d upload rows -> batch.csv\n", rows)

	writeJSONFile(filepath.Join(baseDir, "gateway_feed.json"), map[string]any{
		"transactions": txns,
		"chargebacks":  chargebacks,
	})
	fmt.Printf("Generated %d transactions, %d chargebacks -> gateway_feed.json\n", len(txns), len(chargebacks))
}

// randomIBAN returns a structurally plausible IBAN. Check digits are not
// computed.
func randomIBAN(rng *rand.Rand) string {
	s := countries[rng.Intn(len(countries))] + fmt.Sprintf("%02d", rng.Intn(100))
	for i := 0; i < 18; i++ {
		s += fmt.Sprintf("%d", rng.Intn(10))
	}
	return s
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "."} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
