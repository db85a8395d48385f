package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/canonical"
)

// wireDoc is the JSON wire shape for a Document: reserved fields plus
// arbitrary user fields, arrays for multi-valued fields, matching
// SPEC_FULL.md's "Document wire format".
type wireDoc struct {
	ID       string                 `json:"id"`
	RunID    string                 `json:"run_id,omitempty"`
	Children []wireDoc              `json:"children,omitempty"`
	Errors   []string               `json:"errors,omitempty"`
	Fields   map[string]interface{} `json:"-"`
}

// MarshalJSON flattens reserved fields and user fields into one JSON
// object, encoding multi-valued fields as arrays and single-valued
// fields as bare scalars/objects.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.fields)+4)
	out["id"] = d.id
	if d.hasRunID {
		out["run_id"] = d.runID
	}
	if len(d.errs) > 0 {
		out["errors"] = d.errs
	}
	if len(d.children) > 0 {
		children := make([]json.RawMessage, len(d.children))
		for i, c := range d.children {
			b, err := c.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("marshal child %d: %w", i, err)
			}
			children[i] = b
		}
		out["children"] = children
	}
	for name, f := range d.fields {
		if f.multi {
			raws := make([]interface{}, len(f.values))
			for i, v := range f.values {
				raws[i] = v.Raw()
			}
			out[name] = raws
		} else if len(f.values) == 1 {
			out[name] = f.values[0].Raw()
		}
	}
	// canonical.Marshal sorts object keys deterministically, so two
	// documents with the same logical content always encode to the
	// same bytes regardless of Go map iteration order — this matters
	// once the wire form leaves the process (broker envelopes,
	// dead-letter archives) and is keyed/diffed by raw bytes.
	return canonical.Marshal(out)
}

// UnmarshalJSON populates the document from its wire representation.
// User fields are reconstructed as single-valued string/number/bool
// fields (strings that parse as RFC3339 become Instant fields), or as
// multi-valued fields when the wire value is a JSON array of more than
// one element (a one-element array becomes single-valued); nested
// objects become Node fields.
func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("document: unmarshal envelope: %w", err)
	}

	var id string
	if idRaw, ok := raw["id"]; ok {
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return fmt.Errorf("document: unmarshal id: %w", err)
		}
	}
	nd, err := New(id)
	if err != nil {
		return err
	}

	if runIDRaw, ok := raw["run_id"]; ok {
		var runID string
		if err := json.Unmarshal(runIDRaw, &runID); err != nil {
			return fmt.Errorf("document: unmarshal run_id: %w", err)
		}
		if runID != "" {
			if err := nd.SetRunID(runID); err != nil {
				return err
			}
		}
	}

	if errsRaw, ok := raw["errors"]; ok {
		var errs []string
		if err := json.Unmarshal(errsRaw, &errs); err != nil {
			return fmt.Errorf("document: unmarshal errors: %w", err)
		}
		nd.errs = errs
	}

	if childrenRaw, ok := raw["children"]; ok {
		var children []json.RawMessage
		if err := json.Unmarshal(childrenRaw, &children); err != nil {
			return fmt.Errorf("document: unmarshal children: %w", err)
		}
		for _, cb := range children {
			child := &Document{}
			if err := child.UnmarshalJSON(cb); err != nil {
				return fmt.Errorf("document: unmarshal child: %w", err)
			}
			nd.children = append(nd.children, child)
		}
	}

	for name, raw := range raw {
		if IsReserved(name) {
			continue
		}
		var anyVal interface{}
		if err := json.Unmarshal(raw, &anyVal); err != nil {
			return fmt.Errorf("document: unmarshal field %q: %w", name, err)
		}
		if list, ok := anyVal.([]interface{}); ok {
			values := make([]Value, len(list))
			for i, elem := range list {
				values[i] = valueFromAny(elem)
			}
			nd.fields[name] = &field{values: values, multi: len(values) > 1}
			continue
		}
		nd.fields[name] = &field{values: []Value{valueFromAny(anyVal)}}
	}

	*d = *nd
	return nil
}

func valueFromAny(v interface{}) Value {
	switch vv := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, vv); err == nil {
			return InstantValue(t)
		}
		return StringValue(vv)
	case bool:
		return BoolValue(vv)
	case float64:
		if vv == float64(int64(vv)) {
			return Int64Value(int64(vv))
		}
		return Float64Value(vv)
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return Int64Value(i)
		}
		f, _ := vv.Float64()
		return Float64Value(f)
	default:
		return NodeValue(v)
	}
}
