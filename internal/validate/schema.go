package validate

import (
	"errors"
	"fmt"
	"strings"

	"actionbridge/internal/domain"
)

// Schema reports structural problems in an ActionSchema before it is registered.
func Schema(s domain.ActionSchema) error {
	var errs []string
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, "name is required")
	}
	for i, a := range s.Aliases {
		switch {
		case strings.TrimSpace(a) == "":
			errs = append(errs, fmt.Sprintf("aliases[%d]: empty alias", i))
		case a == s.Name:
			errs = append(errs, fmt.Sprintf("aliases[%d]: alias repeats the action name", i))
		}
	}
	seen := make(map[string]bool, len(s.Params))
	for i, p := range s.Params {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("params[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("params[%d]: duplicate parameter %q", i, p.Name))
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			errs = append(errs, fmt.Sprintf("%s: unknown type %q", p.Name, p.Type))
		}
		if p.Type == domain.TypeEnum && len(p.Enum) == 0 {
			errs = append(errs, fmt.Sprintf("%s: enum parameter needs values", p.Name))
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			errs = append(errs, fmt.Sprintf("%s: min exceeds max", p.Name))
		}
		switch p.Format {
		case "", domain.FormatEmail, domain.FormatDate:
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown format %q", p.Name, p.Format))
		}
	}
	for _, p := range s.Params {
		if p.NotAfter != "" && !seen[p.NotAfter] {
			errs = append(errs, fmt.Sprintf("%s: notAfter references unknown parameter %q", p.Name, p.NotAfter))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
