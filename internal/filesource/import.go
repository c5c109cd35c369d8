package filesource

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mschirtzinger/livequery/internal/docstore"
)

// ImportOptions configures a JSONL import.
type ImportOptions struct {
	// IDField names the field holding each document's id (default "id").
	IDField string

	// DryRun validates the input without writing files.
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Written int
	Skipped int
	Errors  []string
}

// ImportJSONL writes one document file per JSON object read from r into
// collection. Objects without a usable id are skipped and reported; a line
// that is not valid JSON stops the import.
func (s *Source) ImportJSONL(r io.Reader, collection string, opts ImportOptions) (*ImportResult, error) {
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if err := docstore.Doc(collection, "x").Validate(); err != nil {
		return nil, fmt.Errorf("invalid collection: %w", err)
	}

	result := &ImportResult{}
	decoder := json.NewDecoder(r)
	line := 0

	for {
		var obj map[string]any
		if err := decoder.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at record %d: %w", line+1, err)
		}
		line++

		id, ok := obj[opts.IDField].(string)
		if !ok || id == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: missing string field %q", line, opts.IDField))
			continue
		}
		ref := docstore.Doc(collection, id)
		if err := ref.Validate(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", line, err))
			continue
		}

		if !opts.DryRun {
			if err := s.Write(ref, obj); err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", line, err))
				continue
			}
		}
		result.Written++
	}

	s.config.Logger.Printf("Imported %d document(s) into %s (skipped %d)", result.Written, collection, result.Skipped)
	return result, nil
}
