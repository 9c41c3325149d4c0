package canonical

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"equiaudit/internal/domain"
)

// Read parses a canonical CSV dataset: a header row followed by one row per
// participant. Header names are trimmed and lower-cased; cells are trimmed.
func Read(r io.Reader) (domain.CanonicalDataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return domain.CanonicalDataset{}, fmt.Errorf("%w: empty canonical input", domain.ErrInvalidRequest)
	}
	if err != nil {
		return domain.CanonicalDataset{}, fmt.Errorf("%w: read header: %v", domain.ErrInvalidRequest, err)
	}
	columns := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := seen[name]; dup && name != "" {
			return domain.CanonicalDataset{}, fmt.Errorf("%w: duplicate column %q", domain.ErrInvalidRequest, name)
		}
		seen[name] = struct{}{}
		columns[i] = name
	}

	dataset := domain.CanonicalDataset{Columns: columns}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return domain.CanonicalDataset{}, fmt.Errorf("%w: line %d: %v", domain.ErrInvalidRequest, line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) > len(columns) {
			return domain.CanonicalDataset{}, fmt.Errorf("%w: line %d has %d fields, header has %d", domain.ErrInvalidRequest, line, len(record), len(columns))
		}
		row := make(domain.CanonicalRow, len(columns))
		for i, name := range columns {
			if name == "" {
				continue
			}
			if i < len(record) {
				row[name] = strings.TrimSpace(record[i])
			} else {
				row[name] = ""
			}
		}
		dataset.Rows = append(dataset.Rows, row)
	}
	return dataset, nil
}

func ReadBytes(data []byte) (domain.CanonicalDataset, error) {
	return Read(bytes.NewReader(data))
}

func ReadFile(path string) (domain.CanonicalDataset, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CanonicalDataset{}, nil, err
	}
	dataset, err := ReadBytes(data)
	if err != nil {
		return domain.CanonicalDataset{}, nil, err
	}
	return dataset, data, nil
}
