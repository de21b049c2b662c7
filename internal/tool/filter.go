package tool

import "actionbridge/internal/domain"

// Filter applies allow/deny rules to catalogue actions before they are
// registered. An action that is filtered out does not exist as far as the
// intent parser is concerned.
type Filter struct {
	allowed map[string]bool // if non-empty, only these actions are registered
	denied  map[string]bool
}

// NewFilter builds a filter from allow/deny lists. Denied names are always
// dropped, even when also allowed.
func NewFilter(allowed, denied []string) *Filter {
	f := &Filter{
		allowed: make(map[string]bool),
		denied:  make(map[string]bool),
	}
	for _, name := range allowed {
		f.allowed[name] = true
	}
	for _, name := range denied {
		f.denied[name] = true
	}
	return f
}

func (f *Filter) Allows(name string) bool {
	if f == nil {
		return true
	}
	if f.denied[name] {
		return false
	}
	if len(f.allowed) > 0 {
		return f.allowed[name]
	}
	return true
}

// Apply returns the schemas that pass the filter, in order.
func (f *Filter) Apply(schemas []domain.ActionSchema) []domain.ActionSchema {
	if f.IsEmpty() {
		return schemas
	}
	out := make([]domain.ActionSchema, 0, len(schemas))
	for _, s := range schemas {
		if f.Allows(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.allowed) == 0 && len(f.denied) == 0)
}
