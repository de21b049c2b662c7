package validate

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionbridge/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func projectSchema() domain.ActionSchema {
	return domain.ActionSchema{
		Name:   "create_project",
		Method: "POST",
		Params: []domain.ParamSpec{
			{Name: "name", Type: domain.TypeString, Required: true, MinLength: ptr(3), MaxLength: ptr(100)},
			{Name: "owner_email", Type: domain.TypeString, Format: domain.FormatEmail},
			{Name: "priority", Type: domain.TypeInteger, Min: ptr(1.0), Max: ptr(5.0)},
			{Name: "budget", Type: domain.TypeNumber},
			{Name: "public", Type: domain.TypeBoolean},
			{Name: "status", Type: domain.TypeEnum, Enum: []string{"open", "closed"}},
			{Name: "tags", Type: domain.TypeArray},
			{Name: "settings", Type: domain.TypeObject},
			{Name: "start_date", Type: domain.TypeString, Format: domain.FormatDate, NotAfter: "end_date"},
			{Name: "end_date", Type: domain.TypeString, Format: domain.FormatDate},
		},
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	schema := domain.ActionSchema{
		Name: "cancel_order",
		Params: []domain.ParamSpec{
			{Name: "order_id", Type: domain.TypeString, Required: true},
			{Name: "reason", Type: domain.TypeString},
			{Name: "notify", Type: domain.TypeBoolean, Required: true},
		},
	}

	for _, raw := range []map[string]any{
		{},
		{"reason": "late"},
		{"order_id": "A1"},
		{"order_id": "", "notify": true},
		{"order_id": nil, "notify": true},
	} {
		_, err := Validate(schema, raw)
		var verr *Error
		require.ErrorAs(t, err, &verr, "args %v", raw)
		assert.NotEmpty(t, verr.Missing())
	}

	out, err := Validate(schema, map[string]any{"order_id": "A1", "notify": "yes"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order_id": "A1", "notify": true}, out)
}

func TestValidateReportsEveryField(t *testing.T) {
	_, err := Validate(projectSchema(), map[string]any{
		"name":        "ab",
		"owner_email": "not-an-email",
		"priority":    "9",
		"status":      "pending",
		"start_date":  "2024-13-01",
		"color":       "blue",
	})
	var verr *Error
	require.ErrorAs(t, err, &verr)

	fields := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		fields[i] = f.Field
	}
	assert.Equal(t, []string{"name", "owner_email", "priority", "status", "start_date", "color"}, fields)
	assert.Contains(t, verr.Error(), "create_project")
}

func TestValidateCoercesTextualValues(t *testing.T) {
	out, err := Validate(projectSchema(), map[string]any{
		"name":       "  Apollo  ",
		"priority":   "3",
		"budget":     "1200.50",
		"public":     "FALSE",
		"status":     "Open",
		"tags":       `["a","b"]`,
		"settings":   `{"depth": 2}`,
		"start_date": "2024-01-01",
		"end_date":   "2024-02-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "Apollo", out["name"])
	assert.Equal(t, int64(3), out["priority"])
	assert.Equal(t, 1200.5, out["budget"])
	assert.Equal(t, false, out["public"])
	assert.Equal(t, "open", out["status"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, map[string]any{"depth": float64(2)}, out["settings"])
}

func TestValidateNumericForms(t *testing.T) {
	schema := domain.ActionSchema{Name: "n", Params: []domain.ParamSpec{{Name: "v", Type: domain.TypeInteger}}}
	for _, in := range []any{7, int64(7), 7.0, "7", " 7 ", json.Number("7"), "7.0"} {
		out, err := Validate(schema, map[string]any{"v": in})
		require.NoError(t, err, "input %#v", in)
		assert.Equal(t, int64(7), out["v"])
	}
	for _, in := range []any{7.5, "seven", true, []any{1}} {
		_, err := Validate(schema, map[string]any{"v": in})
		assert.Error(t, err, "input %#v", in)
	}
}

func TestValidateIntegerOverflow(t *testing.T) {
	schema := domain.ActionSchema{Name: "n", Params: []domain.ParamSpec{{Name: "limit", Type: domain.TypeInteger}}}
	for _, in := range []any{
		"9223372036854775808",
		"-9223372036854775809",
		"1e20",
		float64(1e20),
		float64(-1e20),
		float64(math.MaxInt64),
		json.Number("99999999999999999999"),
	} {
		out, err := Validate(schema, map[string]any{"limit": in})
		require.Error(t, err, "input %#v coerced to %v", in, out)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "limit", verr.Fields[0].Field)
		assert.Contains(t, verr.Fields[0].Message, "64-bit")
	}

	for in, want := range map[any]int64{
		"9223372036854775807":  math.MaxInt64,
		"-9223372036854775808": math.MinInt64,
		float64(-1 << 63):      math.MinInt64,
		"1e18":                 int64(1e18),
	} {
		out, err := Validate(schema, map[string]any{"limit": in})
		require.NoError(t, err, "input %#v", in)
		assert.Equal(t, want, out["limit"])
	}
}

func TestValidateCommaSeparatedList(t *testing.T) {
	out, err := Validate(projectSchema(), map[string]any{"name": "Apollo", "tags": "red, green,,blue"})
	require.NoError(t, err)
	assert.Equal(t, []any{"red", "green", "blue"}, out["tags"])
}

func TestValidateDateOrdering(t *testing.T) {
	_, err := Validate(projectSchema(), map[string]any{
		"name":       "Apollo",
		"start_date": "2024-03-01",
		"end_date":   "2024-02-01",
	})
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "start_date", verr.Fields[0].Field)
}

func TestValidateRange(t *testing.T) {
	schema := projectSchema()
	_, err := Validate(schema, map[string]any{"name": "Apollo", "priority": 0})
	assert.Error(t, err)
	_, err = Validate(schema, map[string]any{"name": "Apollo", "priority": 6})
	assert.Error(t, err)
	_, err = Validate(schema, map[string]any{"name": "Apollo", "priority": 5})
	assert.NoError(t, err)
}

func TestValidateIsIdempotent(t *testing.T) {
	inputs := []map[string]any{
		{"name": " Apollo ", "priority": "2", "public": "on", "status": "CLOSED", "tags": "x,y"},
		{"name": "Gemini", "budget": 10, "settings": `{"a":1}`, "start_date": "2024-01-01", "end_date": "2024-01-01"},
		{"name": "Mercury", "owner_email": "ops@example.com", "priority": 4.0},
	}
	schema := projectSchema()
	for _, in := range inputs {
		first, err := Validate(schema, in)
		require.NoError(t, err)
		second, err := Validate(schema, first)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"name": " Apollo ", "priority": "2"}
	_, err := Validate(projectSchema(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": " Apollo ", "priority": "2"}, in)
}

func TestSchema(t *testing.T) {
	assert.NoError(t, Schema(projectSchema()))

	bad := domain.ActionSchema{
		Params: []domain.ParamSpec{
			{Name: "a", Type: "bogus"},
			{Name: "a", Type: domain.TypeString},
			{Name: "b", Type: domain.TypeEnum},
			{Name: "c", Type: domain.TypeInteger, Min: ptr(5.0), Max: ptr(1.0)},
			{Name: "d", Type: domain.TypeString, NotAfter: "zzz"},
		},
	}
	err := Schema(bad)
	require.Error(t, err)
	for _, want := range []string{"name is required", "unknown type", "duplicate parameter", "needs values", "min exceeds max", "unknown parameter"} {
		assert.Contains(t, err.Error(), want)
	}
}
