package docstore

import "slices"

// Operator is a filter predicate kind.
type Operator int

const (
	OperatorEqual Operator = iota
	OperatorArrayContains
)

// Filter is a single predicate over a document field.
type Filter struct {
	Field    string
	Operator Operator
	Value    any
}

// Equal matches documents whose field equals v.
func Equal(field string, v any) Filter {
	return Filter{Field: field, Operator: OperatorEqual, Value: v}
}

// ArrayContains matches documents whose list field contains v.
func ArrayContains(field, v string) Filter {
	return Filter{Field: field, Operator: OperatorArrayContains, Value: v}
}

// Matches reports whether d satisfies the filter.
func (f Filter) Matches(d Document) bool {
	v, ok := d.Fields[f.Field]
	if !ok {
		return false
	}
	switch f.Operator {
	case OperatorEqual:
		return valuesEqual(v, f.Value)
	case OperatorArrayContains:
		list, ok := v.([]string)
		if !ok {
			return false
		}
		want, ok := f.Value.(string)
		return ok && slices.Contains(list, want)
	default:
		return false
	}
}

// MatchAll reports whether d satisfies every filter.
func MatchAll(filters []Filter, d Document) bool {
	for _, f := range filters {
		if !f.Matches(d) {
			return false
		}
	}
	return true
}

// MutationKind selects how a Mutation changes a field.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationArrayUnion
	MutationArrayRemove
)

// Mutation is one field-level change applied by Store.Update.
type Mutation struct {
	Field string
	Kind  MutationKind
	Value any
	Elems []string
}

// Set overwrites a field. A nil value removes it.
func Set(field string, v any) Mutation {
	return Mutation{Field: field, Kind: MutationSet, Value: v}
}

// ArrayUnion appends each element not already present in the list field.
func ArrayUnion(field string, elems ...string) Mutation {
	return Mutation{Field: field, Kind: MutationArrayUnion, Elems: elems}
}

// ArrayRemove removes every instance of the elements from the list field.
func ArrayRemove(field string, elems ...string) Mutation {
	return Mutation{Field: field, Kind: MutationArrayRemove, Elems: elems}
}

// Apply returns a copy of fields with mutations applied in order.
func Apply(fields Fields, mutations []Mutation) (Fields, error) {
	out := fields.Clone()
	if out == nil {
		out = Fields{}
	}
	for _, m := range mutations {
		switch m.Kind {
		case MutationSet:
			if m.Value == nil {
				delete(out, m.Field)
				continue
			}
			v, err := normalizeValue(m.Value)
			if err != nil {
				return nil, err
			}
			out[m.Field] = v
		case MutationArrayUnion:
			list := out.Strings(m.Field)
			for _, e := range m.Elems {
				if !slices.Contains(list, e) {
					list = append(list, e)
				}
			}
			if list == nil {
				list = []string{}
			}
			out[m.Field] = list
		case MutationArrayRemove:
			list := out.Strings(m.Field)
			kept := make([]string, 0, len(list))
			for _, e := range list {
				if !slices.Contains(m.Elems, e) {
					kept = append(kept, e)
				}
			}
			out[m.Field] = kept
		}
	}
	return out, nil
}
