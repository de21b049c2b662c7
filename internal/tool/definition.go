package tool

import "actionbridge/internal/domain"

// Definition renders an ActionSchema as a JSON-schema tool definition.
func Definition(s domain.ActionSchema) domain.ToolDefinition {
	props := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		props[p.Name] = property(p)
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.RequiredParams(); len(req) > 0 {
		params["required"] = req
	}
	return domain.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  params,
	}
}

func property(p domain.ParamSpec) map[string]any {
	prop := map[string]any{"type": jsonType(p.Type)}
	if p.Description != "" {
		prop["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		prop["enum"] = p.Enum
	}
	if p.Type == domain.TypeArray {
		prop["items"] = map[string]any{"type": "string"}
	}
	if p.Min != nil {
		prop["minimum"] = *p.Min
	}
	if p.Max != nil {
		prop["maximum"] = *p.Max
	}
	if p.MinLength != nil && p.Type == domain.TypeString {
		prop["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil && p.Type == domain.TypeString {
		prop["maxLength"] = *p.MaxLength
	}
	switch p.Format {
	case domain.FormatEmail:
		prop["format"] = "email"
	case domain.FormatDate:
		prop["format"] = "date"
	}
	return prop
}

func jsonType(t domain.ParamType) string {
	switch t {
	case domain.TypeEnum, "":
		return "string"
	}
	return string(t)
}
