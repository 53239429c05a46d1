// Package labels maps sentiment label strings to dense category ids.
//
// A Mapping is fit once over every label the pipeline will see and is
// immutable afterwards, so train and eval encodings always agree on ids.
package labels

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnmappedLabel is returned when a label was not present when the mapping was fit.
var ErrUnmappedLabel = errors.New("label not present in mapping")

// Mapping is a bijection between label strings and 0..K-1.
type Mapping struct {
	classes []string
	index   map[string]int
}

// Fit builds a Mapping from every distinct value. Ids follow the sorted order
// of the labels, so the same label universe always yields the same ids.
func Fit(values ...[]string) (*Mapping, error) {
	seen := make(map[string]struct{})
	for _, vs := range values {
		for _, v := range vs {
			seen[v] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, errors.New("cannot fit label mapping on an empty label set")
	}
	classes := make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)
	return newMapping(classes), nil
}

// FromID2Label rebuilds a Mapping from a saved id → label table. The ids must
// be exactly 0..len-1.
func FromID2Label(id2label map[int]string) (*Mapping, error) {
	classes := make([]string, len(id2label))
	for id, label := range id2label {
		if id < 0 || id >= len(id2label) {
			return nil, fmt.Errorf("label id %d out of range [0,%d)", id, len(id2label))
		}
		classes[id] = label
	}
	m := newMapping(classes)
	if len(m.index) != len(classes) {
		return nil, fmt.Errorf("duplicate labels in id2label table")
	}
	return m, nil
}

func newMapping(classes []string) *Mapping {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Mapping{classes: classes, index: index}
}

// Len returns the number of categories.
func (m *Mapping) Len() int { return len(m.classes) }

// Labels returns a copy of the labels ordered by id.
func (m *Mapping) Labels() []string {
	out := make([]string, len(m.classes))
	copy(out, m.classes)
	return out
}

// Encode returns the category id of label.
func (m *Mapping) Encode(label string) (int, error) {
	id, ok := m.index[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnmappedLabel, label)
	}
	return id, nil
}

// EncodeAll encodes every label, failing on the first unmapped one.
func (m *Mapping) EncodeAll(values []string) ([]int, error) {
	ids := make([]int, len(values))
	for i, v := range values {
		id, err := m.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode returns the label for a category id.
func (m *Mapping) Decode(id int) (string, error) {
	if id < 0 || id >= len(m.classes) {
		return "", fmt.Errorf("category id %d out of range [0,%d)", id, len(m.classes))
	}
	return m.classes[id], nil
}

// ID2Label returns the id → label table used in saved model configs.
func (m *Mapping) ID2Label() map[int]string {
	out := make(map[int]string, len(m.classes))
	for i, c := range m.classes {
		out[i] = c
	}
	return out
}

// Label2ID returns the label → id table used in saved model configs.
func (m *Mapping) Label2ID() map[string]int {
	out := make(map[string]int, len(m.index))
	for k, v := range m.index {
		out[k] = v
	}
	return out
}
