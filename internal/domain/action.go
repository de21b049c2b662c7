package domain

import "strings"

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeEnum    ParamType = "enum"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Valid reports whether t is one of the known parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeEnum, TypeArray, TypeObject:
		return true
	}
	return false
}

// String formats accepted by ParamSpec.Format.
const (
	FormatEmail = "email"
	FormatDate  = "date" // YYYY-MM-DD
)

// Parameter placement for HTTP-backed actions.
const (
	InPath  = "path"
	InQuery = "query"
	InBody  = "body"
)

// ParamSpec describes one parameter of an action.
type ParamSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Min         *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength   *int      `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int      `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Format      string    `json:"format,omitempty" yaml:"format,omitempty"`
	// NotAfter names a sibling date parameter this one must not exceed.
	NotAfter string `json:"notAfter,omitempty" yaml:"notAfter,omitempty"`
	In       string `json:"in,omitempty" yaml:"in,omitempty"`
}

// ActionSchema is the registered contract of one invocable action.
// Aliases are alternate names resolved to Name by exact match.
type ActionSchema struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Aliases     []string    `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Method      string      `json:"method,omitempty" yaml:"method,omitempty"`
	Path        string      `json:"path,omitempty" yaml:"path,omitempty"`
	Params      []ParamSpec `json:"params,omitempty" yaml:"params,omitempty"`
	// Idempotent overrides the method-derived default used to gate retries.
	Idempotent *bool `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	// Reply is a text/template rendered against the result payload.
	Reply string `json:"reply,omitempty" yaml:"reply,omitempty"`
}

// Param returns the spec for the named parameter.
func (s ActionSchema) Param(name string) (ParamSpec, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// RequiredParams lists required parameter names in declaration order.
func (s ActionSchema) RequiredParams() []string {
	var out []string
	for _, p := range s.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// IsIdempotent reports whether a transient failure of this action may be retried.
// GET, HEAD, PUT and DELETE default to true; everything else to false.
func (s ActionSchema) IsIdempotent() bool {
	if s.Idempotent != nil {
		return *s.Idempotent
	}
	switch strings.ToUpper(s.Method) {
	case "GET", "HEAD", "PUT", "DELETE":
		return true
	}
	return false
}

// ActionInvocation is a proposed call of a registered action.
type ActionInvocation struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}
