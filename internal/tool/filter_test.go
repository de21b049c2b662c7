package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"actionbridge/internal/domain"
)

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allows("deleteProject"))
	assert.True(t, f.IsEmpty())
}

func TestFilter_Rules(t *testing.T) {
	tests := []struct {
		name    string
		allow   []string
		deny    []string
		action  string
		allowed bool
	}{
		{"empty", nil, nil, "deleteProject", true},
		{"allow list hit", []string{"listProjects"}, nil, "listProjects", true},
		{"allow list miss", []string{"listProjects"}, nil, "deleteProject", false},
		{"deny list", nil, []string{"deleteProject"}, "deleteProject", false},
		{"deny wins over allow", []string{"deleteProject"}, []string{"deleteProject"}, "deleteProject", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, NewFilter(tt.allow, tt.deny).Allows(tt.action))
		})
	}
}

func TestFilter_Apply(t *testing.T) {
	schemas := []domain.ActionSchema{{Name: "listProjects"}, {Name: "getProject"}, {Name: "deleteProject"}}

	got := NewFilter(nil, []string{"deleteProject"}).Apply(schemas)
	assert.Len(t, got, 2)
	assert.Equal(t, "listProjects", got[0].Name)
	assert.Equal(t, "getProject", got[1].Name)

	assert.Len(t, NewFilter(nil, nil).Apply(schemas), 3)
	assert.Empty(t, NewFilter([]string{"listProjects"}, nil).Apply(nil))
}
