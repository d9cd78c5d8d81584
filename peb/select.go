// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"errors"
	"fmt"
	"strings"
)

// FieldResolver maps a field name (or AllFields) to its flattened indices in a
// layout. Implementations must be deterministic and keep the layout order.
type FieldResolver interface {
	Resolve(layout Layout, field string) ([]int, error)
}

// LayoutResolver resolves fields by walking the layout in order.
type LayoutResolver struct{}

// Resolve returns the contiguous index range of field, or of every field for AllFields.
func (LayoutResolver) Resolve(layout Layout, field string) ([]int, error) {
	if strings.EqualFold(field, AllFields) {
		idx := make([]int, layout.Size())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	off := 0
	for _, f := range layout {
		if f.Name == field {
			idx := make([]int, f.Size())
			for k := range idx {
				idx[k] = off + k
			}
			return idx, nil
		}
		off += f.Size()
	}
	return nil, fmt.Errorf("no such field")
}

// Select resolves sel against the representative unit (normally the first
// unit of the hierarchy) and labels every selected parameter.
// Duplicates are removed, keeping the first occurrence.
// Returns: the index set q with |Labels| == |Indices|
func Select(unit Unit, sel Selector, resolver FieldResolver) (*Selection, error) {
	if resolver == nil {
		resolver = LayoutResolver{}
	}

	n := unit.PriorMean().Len()
	var layout Layout
	if s, ok := unit.(Structured); ok {
		layout = s.Layout()
		if layout.Size() != n {
			// A layout that does not describe the vector is ignored
			layout = nil
		}
	}

	var raw []int
	switch {
	case len(sel.Indices) > 0:
		for _, k := range sel.Indices {
			if k < 0 || k >= n {
				return nil, &SelectionError{Index: k, Err: fmt.Errorf("out of range [0, %d)", n)}
			}
		}
		raw = sel.Indices

	case len(sel.Fields) > 0:
		for _, name := range sel.Fields {
			if layout == nil && !strings.EqualFold(name, AllFields) {
				return nil, &SelectionError{Field: name, Index: -1, Err: fmt.Errorf("unit has no field structure")}
			}
			var idx []int
			var err error
			if layout == nil {
				idx = allIndices(n)
			} else {
				idx, err = resolver.Resolve(layout, name)
			}
			if err != nil {
				return nil, &SelectionError{Field: name, Index: -1, Err: err}
			}
			raw = append(raw, idx...)
		}

	default:
		return nil, &SelectionError{Index: -1, Err: errors.New("no fields or indices given")}
	}

	q := dedupe(raw)
	if len(q) == 0 {
		return nil, &SelectionError{Index: -1, Err: errors.New("selection is empty")}
	}

	selection := &Selection{Indices: q}
	selection.Labels, selection.Fields = labelParameters(unit, layout, q)
	return selection, nil
}

// labelParameters returns one label and one owning field per index in q.
// Labeled units (previous PEB results) supply their own composite labels.
func labelParameters(unit Unit, layout Layout, q []int) ([]string, []string) {
	n := unit.PriorMean().Len()

	var all []string
	if l, ok := unit.(Labeled); ok {
		if names := l.Labels(); len(names) == n {
			all = names
		}
	}

	// field and offset of every flattened index
	owner := make([]string, n)
	if layout != nil {
		fromLayout := all == nil
		if fromLayout {
			all = make([]string, n)
		}
		i := 0
		for _, f := range layout {
			for k := 0; k < f.Size(); k++ {
				owner[i] = f.Name
				if fromLayout {
					all[i] = f.Label(k)
				}
				i++
			}
		}
	}

	labels := make([]string, len(q))
	fields := make([]string, len(q))
	for j, k := range q {
		if all != nil {
			labels[j] = all[k]
		} else {
			labels[j] = fmt.Sprintf("P%d", k)
		}
		fields[j] = owner[k]
	}
	return labels, fields
}

// dedupe removes repeated indices, preserving first occurrence order.
func dedupe(idx []int) []int {
	seen := make(map[int]bool, len(idx))
	out := make([]int, 0, len(idx))
	for _, k := range idx {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
