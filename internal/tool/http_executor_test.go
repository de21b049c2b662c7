package tool

import (
	"context"
	"errors"
	"testing"

	"actionbridge/internal/apiclient"
	"actionbridge/internal/domain"
)

type fakeCaller struct {
	method, path string
	params       map[string]any
	credential   string
	opts         int
	resp         *apiclient.Response
	err          error
}

func (f *fakeCaller) Execute(_ context.Context, method, path string, params map[string]any, credential string, opts ...apiclient.CallOption) (*apiclient.Response, error) {
	f.method, f.path, f.params, f.credential, f.opts = method, path, params, credential, len(opts)
	if f.resp == nil && f.err == nil {
		return &apiclient.Response{Status: 200, Body: []byte(`{"ok":true}`), Attempts: 1}, nil
	}
	return f.resp, f.err
}

func TestHTTPExecutor_FillsPathAndSplitsParams(t *testing.T) {
	caller := &fakeCaller{}
	exec := NewHTTPExecutor(caller)
	schema := domain.ActionSchema{
		Name:   "delete_file",
		Method: "DELETE",
		Path:   "/projects/{project_id}/files/{file_id}",
		Params: []domain.ParamSpec{
			{Name: "project_id", Type: domain.TypeString, Required: true},
			{Name: "file_id", Type: domain.TypeString, Required: true},
			{Name: "force", Type: domain.TypeBoolean},
		},
	}
	out, err := exec.Execute(context.Background(), schema, map[string]any{"project_id": "p 1", "file_id": "f/2", "force": true}, "tok")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if caller.path != "/projects/p%201/files/f%2F2" {
		t.Fatalf("unexpected path %q", caller.path)
	}
	if len(caller.params) != 1 || caller.params["force"] != true {
		t.Fatalf("path params should be consumed, got %v", caller.params)
	}
	if caller.credential != "tok" || caller.opts != 0 {
		t.Fatalf("unexpected credential/options: %q %d", caller.credential, caller.opts)
	}
	if out.Payload.(map[string]any)["ok"] != true {
		t.Fatalf("unexpected payload %v", out.Payload)
	}
}

func TestHTTPExecutor_NonIdempotentSingleAttempt(t *testing.T) {
	caller := &fakeCaller{}
	exec := NewHTTPExecutor(caller)
	schema := domain.ActionSchema{Name: "create", Method: "POST", Path: "/things"}
	if _, err := exec.Execute(context.Background(), schema, nil, ""); err != nil {
		t.Fatal(err)
	}
	if caller.opts != 1 {
		t.Fatalf("POST should disable retry, got %d options", caller.opts)
	}

	yes := true
	schema.Idempotent = &yes
	if _, err := exec.Execute(context.Background(), schema, nil, ""); err != nil {
		t.Fatal(err)
	}
	if caller.opts != 0 {
		t.Fatalf("idempotent POST keeps retry, got %d options", caller.opts)
	}
}

func TestHTTPExecutor_PropagatesErrors(t *testing.T) {
	want := &apiclient.HTTPError{Status: 500}
	exec := NewHTTPExecutor(&fakeCaller{err: want})
	_, err := exec.Execute(context.Background(), domain.ActionSchema{Name: "x", Method: "GET", Path: "/x"}, nil, "")
	if !errors.Is(err, want) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	path, rest, err := ExpandPath("/a/{id}/b", map[string]any{"id": int64(42), "q": "x"})
	if err != nil || path != "/a/42/b" || len(rest) != 1 {
		t.Fatalf("got %q %v %v", path, rest, err)
	}
	if _, _, err := ExpandPath("/a/{id}", nil); err == nil {
		t.Fatal("expected missing placeholder error")
	}
	if _, _, err := ExpandPath("/a/{id", map[string]any{"id": 1}); err == nil {
		t.Fatal("expected unterminated placeholder error")
	}
}
