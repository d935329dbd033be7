package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/batchpay/internal/domain"
)

var ErrEmptyFile = errors.New("file has no header row")

// UploadStore persists a newly created upload.
type UploadStore interface {
	Insert(ctx context.Context, u *domain.Upload) error
}

// Service turns uploaded CSV files into Upload aggregates.
type Service struct {
	store UploadStore
	now   func() time.Time
}

func NewService(store UploadStore) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateFromCSV parses data and stores it as a new upload with every row
// pending.
func (s *Service) CreateFromCSV(ctx context.Context, data []byte, orgTags []string) (*domain.Upload, error) {
	headers, records, err := ParseCSV(data)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	u := &domain.Upload{
		ID:        uuid.NewString(),
		Headers:   headers,
		Records:   records,
		Rows:      domain.NewRows(len(records)),
		OrgTags:   cleanTags(orgTags),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, u); err != nil {
		return nil, fmt.Errorf("insert upload: %w", err)
	}

	log.Printf("[ingestion] Created upload %s: %d records, %d columns", u.ID, len(records), len(headers))
	return u, nil
}

// ParseCSV reads a header row followed by data rows. The delimiter is
// detected from the header line (comma or semicolon). Short rows are padded
// with empty values; extra fields are an error.
func ParseCSV(data []byte) ([]string, []domain.Record, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = detectDelimiter(data)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, ErrEmptyFile
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if seen[h] {
			return nil, nil, fmt.Errorf("duplicate header %q", h)
		}
		seen[h] = true
		header[i] = h
	}

	records := []domain.Record{}
	lineNum := 1
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(row) > len(header) {
			return nil, nil, fmt.Errorf("line %d: %d fields, header has %d", lineNum, len(row), len(header))
		}
		if blank(row) {
			continue
		}

		rec := make(domain.Record, len(header))
		for i, h := range header {
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			} else {
				rec[h] = ""
			}
		}
		records = append(records, rec)
	}
	return header, records, nil
}

func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func blank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		for _, part := range strings.Split(t, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}
