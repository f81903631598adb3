// Package orderitem defines the structured item descriptors requested by an order
// and normalizes loosely typed payloads into them.
package orderitem

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
)

//go:embed items.schema.json
var itemsSchemaJSON string

// Item is one requested line of an order.
type Item struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Code        string  `json:"code,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	Size        string  `json:"size,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Query returns the search text for the item.
func (it Item) Query() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{it.Brand, it.Code, it.Description, it.Size} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

const op = "orderitem.parse"

// Parse normalizes payload into a list of items. Native item slices are used
// directly; maps and slices of maps are re-encoded; strings and bytes are decoded
// as JSON. Every non-native form is validated against the items schema. A JSON
// object carrying an "items" array is unwrapped. Failures are malformed_input errors.
func Parse(payload any) ([]Item, error) {
	switch v := payload.(type) {
	case nil:
		return []Item{}, nil
	case []Item:
		items := append([]Item(nil), v...)
		return finalize(items)
	case string:
		return parseJSON([]byte(v))
	case []byte:
		return parseJSON(v)
	case json.RawMessage:
		return parseJSON(v)
	case []map[string]any, []any, map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, apperr.Malformed(op, "encode payload", err)
		}
		return parseJSON(raw)
	default:
		return nil, apperr.Malformed(op, fmt.Sprintf("unsupported payload type %T", payload), nil)
	}
}

func parseJSON(raw []byte) ([]Item, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, apperr.Malformed(op, "decode payload JSON", err)
	}

	if obj, ok := value.(map[string]any); ok {
		inner, found := obj["items"]
		if !found {
			return nil, apperr.Malformed(op, "object payload has no items field", nil)
		}
		value = inner
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, "load schema", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, apperr.Malformed(op, "schema validation failed", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, apperr.Malformed(op, "normalize payload JSON", err)
	}
	var items []Item
	if err := json.Unmarshal(normalized, &items); err != nil {
		return nil, apperr.Malformed(op, "unmarshal items", err)
	}
	return finalize(items)
}

// finalize trims fields, assigns positional ids to items without one and
// rejects duplicate ids.
func finalize(items []Item) ([]Item, error) {
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		it := &items[i]
		it.Description = strings.TrimSpace(it.Description)
		if it.Description == "" {
			return nil, apperr.Malformed(op, fmt.Sprintf("items[%d].description must not be empty", i), nil)
		}
		if it.Confidence < 0 || it.Confidence > 1 {
			return nil, apperr.Malformed(op, fmt.Sprintf("items[%d].confidence must be within [0,1]", i), nil)
		}
		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" {
			it.ID = fmt.Sprintf("item-%d", i+1)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, apperr.Malformed(op, fmt.Sprintf("duplicate item id %q", it.ID), nil)
		}
		seen[it.ID] = struct{}{}
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("items.schema.json", strings.NewReader(itemsSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("items.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}
