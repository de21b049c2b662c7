package agent

import (
	"errors"
	"reflect"
	"testing"

	"actionbridge/internal/domain"
)

func okResult(payload any) domain.ExecutionResult {
	return domain.ExecutionResult{OK: true, Payload: payload}
}

func TestResolveReferences_WholeValueKeepsType(t *testing.T) {
	results := []domain.ExecutionResult{
		okResult(map[string]any{"id": "p-9", "count": 3, "tags": []any{"a", "b"}}),
	}
	args := map[string]any{
		"project_id": "${steps.0.id}",
		"limit":      "${steps.0.count}",
		"tags":       "${steps.0.tags}",
		"plain":      "unchanged",
	}
	got, err := resolveReferences(args, results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["project_id"] != "p-9" {
		t.Fatalf("project_id = %v", got["project_id"])
	}
	if got["limit"] != float64(3) {
		t.Fatalf("limit should be numeric, got %T %v", got["limit"], got["limit"])
	}
	if !reflect.DeepEqual(got["tags"], []any{"a", "b"}) {
		t.Fatalf("tags = %v", got["tags"])
	}
	if got["plain"] != "unchanged" {
		t.Fatalf("plain = %v", got["plain"])
	}
	if args["project_id"] != "${steps.0.id}" {
		t.Fatal("input arguments were mutated")
	}
}

func TestResolveReferences_EmbeddedInText(t *testing.T) {
	results := []domain.ExecutionResult{
		okResult(map[string]any{"name": "Apollo"}),
		okResult([]any{map[string]any{"id": 7}}),
	}
	args := map[string]any{"note": "Report for ${steps.0.name} (#${steps.1.0.id})"}
	got, err := resolveReferences(args, results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["note"] != "Report for Apollo (#7)" {
		t.Fatalf("note = %q", got["note"])
	}
}

func TestResolveReferences_Nested(t *testing.T) {
	results := []domain.ExecutionResult{okResult(map[string]any{"id": "u1"})}
	args := map[string]any{
		"filter": map[string]any{"owner": "${steps.0.id}"},
		"ids":    []any{"${steps.0.id}", "fixed"},
	}
	got, err := resolveReferences(args, results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["filter"].(map[string]any)["owner"] != "u1" {
		t.Fatalf("filter = %v", got["filter"])
	}
	if !reflect.DeepEqual(got["ids"], []any{"u1", "fixed"}) {
		t.Fatalf("ids = %v", got["ids"])
	}
}

func TestResolveReferences_WholePayload(t *testing.T) {
	results := []domain.ExecutionResult{okResult("plain text body")}
	got, err := resolveReferences(map[string]any{"body": "${steps.0}"}, results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["body"] != "plain text body" {
		t.Fatalf("body = %v", got["body"])
	}
}

func TestResolveReferences_Errors(t *testing.T) {
	results := []domain.ExecutionResult{okResult(map[string]any{"id": "x"})}
	for name, args := range map[string]map[string]any{
		"future step":     {"a": "${steps.1.id}"},
		"missing path":    {"a": "${steps.0.nope}"},
		"missing in text": {"a": "id=${steps.0.nope}"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolveReferences(args, results)
			if !errors.Is(err, ErrBadReference) {
				t.Fatalf("expected ErrBadReference, got %v", err)
			}
		})
	}
}

func TestResolveReferences_NoReferencesReturnsInput(t *testing.T) {
	args := map[string]any{"a": 1}
	got, err := resolveReferences(args, nil)
	if err != nil || !reflect.DeepEqual(got, args) {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestReferencedSteps(t *testing.T) {
	got := referencedSteps(map[string]any{
		"a": "${steps.0.id}",
		"b": []any{"x ${steps.2} y"},
	})
	seen := map[int]bool{}
	for _, n := range got {
		seen[n] = true
	}
	if len(got) != 2 || !seen[0] || !seen[2] {
		t.Fatalf("referencedSteps = %v", got)
	}
}
