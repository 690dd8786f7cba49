package audit

import (
	"slices"

	"github.com/roach88/cairn/internal/ir"
)

// diffFields walks two objects and reports every leaf that differs. Nested
// objects are descended; arrays and scalars compare as a whole.
func diffFields(path string, stored, replayed ir.IRObject) []FieldDiff {
	keys := stored.SortedKeys()
	for _, k := range replayed.SortedKeys() {
		if _, ok := stored[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var diffs []FieldDiff
	for _, k := range keys {
		p := path + "." + k
		s, inStored := stored[k]
		r, inReplayed := replayed[k]

		so, sObj := s.(ir.IRObject)
		ro, rObj := r.(ir.IRObject)
		if inStored && inReplayed && sObj && rObj {
			diffs = append(diffs, diffFields(p, so, ro)...)
			continue
		}
		if inStored && inReplayed && ir.Equal(s, r) {
			continue
		}
		d := FieldDiff{Path: p}
		if inStored {
			d.Stored = render(s)
		}
		if inReplayed {
			d.Replayed = render(r)
		}
		diffs = append(diffs, d)
	}
	return diffs
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return "<unrenderable>"
	}
	return string(b)
}
