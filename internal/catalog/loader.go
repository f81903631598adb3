package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads catalog records from a JSON array or JSON-lines file.
// Missing ids are derived from source and file position; missing text is composed
// from the attributes.
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Decode(data)
}

// Decode parses catalog records from a JSON array or JSON lines.
func Decode(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Record{}, nil
	}

	var records []Record
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode catalog array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var r Record
			if err := json.Unmarshal([]byte(text), &r); err != nil {
				return nil, fmt.Errorf("decode catalog line %d: %w", line, err)
			}
			records = append(records, r)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(records))
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			src := r.Source
			if src == "" {
				src = "rec"
			}
			r.ID = fmt.Sprintf("%s-%d", src, i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate record id %q at position %d", r.ID, i)
		}
		seen[r.ID] = struct{}{}
		if strings.TrimSpace(r.Text) == "" {
			r.Text = ComposeText(r.Attributes)
		}
	}
	return records, nil
}

// ComposeText builds a display text from attributes.
func ComposeText(a Attributes) string {
	name := a.DisplayName
	if name == "" {
		name = a.Name
	}
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Brand, a.Code, name, a.Size, a.Quantity} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
