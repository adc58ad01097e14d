package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ErrUnsupportedType marks files the extractor cannot read.
var ErrUnsupportedType = errors.New("unsupported document type")

// Supported reports whether the file extension has an extractor.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".json", ".csv", ".pdf":
		return true
	}
	return false
}

// FromFile reads and extracts plain text from the file at path.
func FromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Extract(path, data)
}

// Extract converts raw file bytes to plain text by extension.
func Extract(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return string(data), nil
	case ".json":
		return extractJSON(data)
	case ".csv":
		return extractCSV(data)
	case ".pdf":
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(name))
	}
}

// extractJSON flattens the document into "key: value" lines so nested
// structures still embed as meaningful prose.
func extractJSON(data []byte) (string, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	var lines []string
	flattenJSON("", root, &lines)
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func flattenJSON(prefix string, node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenJSON(key, child, out)
		}
	case []any:
		for i, child := range v {
			flattenJSON(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case nil:
		*out = append(*out, prefix+": null")
	default:
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, v))
	}
}

// extractCSV renders each row as "header: value" pairs on one line.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", fmt.Errorf("parse csv: %w", err)
	}
	var lines []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse csv: %w", err)
		}
		pairs := make([]string, 0, len(row))
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				pairs = append(pairs, strings.TrimSpace(header[i])+": "+cell)
			} else {
				pairs = append(pairs, cell)
			}
		}
		if len(pairs) > 0 {
			lines = append(lines, strings.Join(pairs, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return collapseWhitespace(string(b)), nil
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
