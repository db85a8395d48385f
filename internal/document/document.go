// Package document implements the Document model shared by every
// component of the run-coordination core: the Publisher originates
// documents, the Worker mutates them through a Pipeline, and the
// Indexer ships the results to a backend. A Document is owned by
// exactly one component at a time (see package-level doc in the
// project README / SPEC_FULL.md); this package does not enforce that
// ownership discipline itself — it only guarantees the data-level
// invariants (reserved fields, immutable id, single run-id init).
package document

import (
	"fmt"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
)

// UpdateMode controls how update() combines new values with an
// existing field.
type UpdateMode int

const (
	// OVERWRITE replaces the field: the first new value becomes a
	// single-valued field, any further values are then appended.
	OVERWRITE UpdateMode = iota
	// APPEND appends all new values to the existing field (or creates
	// it if absent), upgrading to multi-valued as needed.
	APPEND
	// SKIP leaves an existing field untouched; if absent, behaves like
	// OVERWRITE.
	SKIP
)

var reservedFields = map[string]bool{
	"id":       true,
	"run_id":   true,
	"children": true,
	"errors":   true,
}

// IsReserved reports whether name is a framework-controlled field that
// cannot be mutated through the user-facing setters.
func IsReserved(name string) bool {
	return reservedFields[name]
}

type field struct {
	values []Value
	multi  bool
}

// Document is an in-memory record flowing through the pipeline.
type Document struct {
	id       string
	runID    string
	hasRunID bool
	fields   map[string]*field
	errs     []string
	children []*Document

	// sourceOffset is the broker offset the document was consumed at,
	// when running in broker mode. It is framework bookkeeping, not a
	// document field: it never round-trips through MarshalJSON/
	// UnmarshalJSON and is not reachable through the field accessors.
	sourceOffset    int64
	hasSourceOffset bool
}

// New creates a Document with the given id and no run-id. id must be
// non-empty.
func New(id string) (*Document, error) {
	if id == "" {
		return nil, pipelineerr.NewContractViolation("document.New", "id must not be empty")
	}
	return &Document{id: id, fields: make(map[string]*field)}, nil
}

// NewWithRunID creates a Document with id and run-id both set.
func NewWithRunID(id, runID string) (*Document, error) {
	d, err := New(id)
	if err != nil {
		return nil, err
	}
	if err := d.SetRunID(runID); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the document's immutable identity.
func (d *Document) ID() string { return d.id }

// RunID returns the run-id, or "" if unset.
func (d *Document) RunID() string { return d.runID }

// HasRunID reports whether the run-id has been initialized.
func (d *Document) HasRunID() bool { return d.hasRunID }

// SetRunID initializes run_id exactly once. A second call is a
// contract violation.
func (d *Document) SetRunID(runID string) error {
	if d.hasRunID {
		return pipelineerr.NewContractViolation("document.SetRunID", fmt.Sprintf("run_id already set on document %q", d.id))
	}
	d.runID = runID
	d.hasRunID = true
	return nil
}

// SourceOffset returns the broker offset the document was consumed
// at, and whether one was ever recorded (in-memory-mode documents
// never have one).
func (d *Document) SourceOffset() (int64, bool) {
	return d.sourceOffset, d.hasSourceOffset
}

// SetSourceOffset records the broker offset the document was consumed
// at. Unlike run_id this is not single-assignment: a result document
// derived from a source document (a child, or the reprocessed parent)
// may carry the same offset forward as it moves from Source to
// Destination.
func (d *Document) SetSourceOffset(offset int64) {
	d.sourceOffset = offset
	d.hasSourceOffset = true
}

// Errors returns the append-only error list.
func (d *Document) Errors() []string {
	out := make([]string, len(d.errs))
	copy(out, d.errs)
	return out
}

// AddError appends msg to the document's error list. This is the only
// way to mutate the reserved "errors" field.
func (d *Document) AddError(msg string) {
	d.errs = append(d.errs, msg)
}

// Children returns the document's child documents (one level deep).
func (d *Document) Children() []*Document {
	out := make([]*Document, len(d.children))
	copy(out, d.children)
	return out
}

// AddChild appends a child document. This is the only way to mutate
// the reserved "children" field.
func (d *Document) AddChild(child *Document) error {
	if child == nil {
		return pipelineerr.NewContractViolation("document.AddChild", "child must not be nil")
	}
	d.children = append(d.children, child)
	return nil
}

// Has reports whether the user field name has been set. Reserved
// fields are not stored as user fields, so Has reports false for them.
func (d *Document) Has(name string) bool {
	_, ok := d.fields[name]
	return ok
}

// HasNonNull reports whether name has been set. This implementation
// never stores explicit null values (absence *is* null), so it is
// equivalent to Has.
func (d *Document) HasNonNull(name string) bool {
	return d.Has(name)
}

// IsMultiValued reports whether the named field currently holds more
// than one value (or was explicitly upgraded to multi-valued).
func (d *Document) IsMultiValued(name string) bool {
	f, ok := d.fields[name]
	return ok && f.multi
}

func (d *Document) requireNotReserved(op, name string) error {
	if IsReserved(name) {
		return pipelineerr.NewContractViolation(op, fmt.Sprintf("field %q is reserved", name))
	}
	return nil
}

// Values returns the raw value slice for name, or nil if unset.
func (d *Document) Values(name string) []Value {
	f, ok := d.fields[name]
	if !ok {
		return nil
	}
	out := make([]Value, len(f.values))
	copy(out, f.values)
	return out
}

// --- typed single-value getters ---

func (d *Document) GetString(name string) (string, bool, error) {
	v, ok, err := d.firstValue(name, KindString)
	if !ok || err != nil {
		return "", ok, err
	}
	return v.Str, true, nil
}

func (d *Document) GetInt64(name string) (int64, bool, error) {
	v, ok, err := d.firstValue(name, KindInt64)
	if !ok || err != nil {
		return 0, ok, err
	}
	return v.I64, true, nil
}

func (d *Document) GetFloat64(name string) (float64, bool, error) {
	v, ok, err := d.firstValue(name, KindFloat64)
	if !ok || err != nil {
		return 0, ok, err
	}
	return v.F64, true, nil
}

func (d *Document) GetBool(name string) (bool, bool, error) {
	v, ok, err := d.firstValue(name, KindBool)
	if !ok || err != nil {
		return false, ok, err
	}
	return v.Boolean, true, nil
}

func (d *Document) GetInstant(name string) (time.Time, bool, error) {
	v, ok, err := d.firstValue(name, KindInstant)
	if !ok || err != nil {
		return time.Time{}, ok, err
	}
	return v.Instant, true, nil
}

func (d *Document) GetNode(name string) (interface{}, bool, error) {
	v, ok, err := d.firstValue(name, KindNode)
	if !ok || err != nil {
		return nil, ok, err
	}
	return v.Node, true, nil
}

func (d *Document) firstValue(name string, want Kind) (Value, bool, error) {
	f, ok := d.fields[name]
	if !ok || len(f.values) == 0 {
		return Value{}, false, nil
	}
	v := f.values[0]
	if v.Kind != want {
		return Value{}, true, &ErrKindMismatch{Field: name, Want: want, Got: v.Kind}
	}
	return v, true, nil
}

// --- typed setters (single-valued; replace any existing field) ---

func (d *Document) SetString(name, v string) error { return d.setSingle(name, StringValue(v)) }
func (d *Document) SetInt64(name string, v int64) error { return d.setSingle(name, Int64Value(v)) }
func (d *Document) SetFloat64(name string, v float64) error {
	return d.setSingle(name, Float64Value(v))
}
func (d *Document) SetBool(name string, v bool) error { return d.setSingle(name, BoolValue(v)) }
func (d *Document) SetInstant(name string, v time.Time) error {
	return d.setSingle(name, InstantValue(v))
}
func (d *Document) SetNode(name string, v interface{}) error { return d.setSingle(name, NodeValue(v)) }

func (d *Document) setSingle(name string, v Value) error {
	if err := d.requireNotReserved("document.Set", name); err != nil {
		return err
	}
	d.fields[name] = &field{values: []Value{v}, multi: false}
	return nil
}

// SetOrAdd sets the field if absent, otherwise appends v and upgrades
// the field to multi-valued. Repeated calls are associative: the
// resulting field equals the sequence of values passed in across all
// calls, in insertion order.
func (d *Document) SetOrAdd(name string, v Value) error {
	if err := d.requireNotReserved("document.SetOrAdd", name); err != nil {
		return err
	}
	f, ok := d.fields[name]
	if !ok {
		d.fields[name] = &field{values: []Value{v}}
		return nil
	}
	f.values = append(f.values, v)
	f.multi = true
	return nil
}

// Update combines values into the named field according to mode.
//   - OVERWRITE: the field becomes exactly values (first value
//     single-valued, subsequent values appended and the field upgraded
//     to multi-valued).
//   - APPEND: values are appended to any existing field (creating it if
//     absent), upgrading to multi-valued whenever more than one value
//     ends up present.
//   - SKIP: if the field already exists, Update returns immediately
//     without modifying it; otherwise behaves like OVERWRITE.
func (d *Document) Update(name string, mode UpdateMode, values ...Value) error {
	if err := d.requireNotReserved("document.Update", name); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	switch mode {
	case SKIP:
		if d.Has(name) {
			return nil
		}
		return d.overwrite(name, values)
	case APPEND:
		f, ok := d.fields[name]
		if !ok {
			return d.overwrite(name, values)
		}
		f.values = append(f.values, values...)
		if len(f.values) > 1 {
			f.multi = true
		}
		return nil
	case OVERWRITE:
		return d.overwrite(name, values)
	default:
		return fmt.Errorf("document.Update: unknown mode %v", mode)
	}
}

func (d *Document) overwrite(name string, values []Value) error {
	d.fields[name] = &field{values: append([]Value(nil), values...), multi: len(values) > 1}
	return nil
}

// Rename moves the field old to new, combining with any existing
// field at new according to mode (same semantics as Update). old is
// removed. A no-op if old is absent.
func (d *Document) Rename(oldName, newName string, mode UpdateMode) error {
	if err := d.requireNotReserved("document.Rename", oldName); err != nil {
		return err
	}
	if err := d.requireNotReserved("document.Rename", newName); err != nil {
		return err
	}
	f, ok := d.fields[oldName]
	if !ok {
		return nil
	}
	if err := d.Update(newName, mode, f.values...); err != nil {
		return err
	}
	delete(d.fields, oldName)
	return nil
}

// RemoveDuplicateValues removes duplicate values from field, preserving
// first-occurrence order. If target is non-empty, the de-duplicated
// values are written to target instead of field (field is left
// unchanged); otherwise field is updated in place. Idempotent.
func (d *Document) RemoveDuplicateValues(fieldName string, target ...string) error {
	f, ok := d.fields[fieldName]
	if !ok {
		return nil
	}
	destName := fieldName
	if len(target) > 0 && target[0] != "" {
		destName = target[0]
	}
	if err := d.requireNotReserved("document.RemoveDuplicateValues", destName); err != nil {
		return err
	}

	seen := make(map[string]bool, len(f.values))
	deduped := make([]Value, 0, len(f.values))
	for _, v := range f.values {
		key := dedupeKey(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, v)
	}

	d.fields[destName] = &field{values: deduped, multi: len(deduped) > 1}
	return nil
}

func dedupeKey(v Value) string {
	switch v.Kind {
	case KindString:
		return "s:" + v.Str
	case KindInt64:
		return fmt.Sprintf("i:%d", v.I64)
	case KindFloat64:
		return fmt.Sprintf("f:%v", v.F64)
	case KindBool:
		return fmt.Sprintf("b:%v", v.Boolean)
	case KindInstant:
		return "t:" + v.Instant.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("n:%v", v.Node)
	}
}

// Copy returns a deep copy of d: all fields, errors, and children are
// duplicated so mutating the copy never affects the original.
func (d *Document) Copy() *Document {
	cp := &Document{
		id:              d.id,
		runID:           d.runID,
		hasRunID:        d.hasRunID,
		fields:          make(map[string]*field, len(d.fields)),
		errs:            append([]string(nil), d.errs...),
		children:        make([]*Document, len(d.children)),
		sourceOffset:    d.sourceOffset,
		hasSourceOffset: d.hasSourceOffset,
	}
	for k, f := range d.fields {
		cp.fields[k] = &field{values: append([]Value(nil), f.values...), multi: f.multi}
	}
	for i, c := range d.children {
		cp.children[i] = c.Copy()
	}
	return cp
}

// FieldNames returns the set of user (non-reserved) field names
// currently present on the document, in no particular order.
func (d *Document) FieldNames() []string {
	out := make([]string, 0, len(d.fields))
	for k := range d.fields {
		out = append(out, k)
	}
	return out
}
