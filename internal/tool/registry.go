package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"actionbridge/internal/apiclient"
	"actionbridge/internal/domain"
	"actionbridge/internal/validate"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidSchema = errors.New("invalid action schema")
	ErrSealed        = errors.New("registry is sealed")
)

// Output is what an executor hands back on success.
type Output struct {
	Payload  any
	Status   int
	Attempts int
}

// Executor performs a validated action. Arguments have already been coerced.
type Executor interface {
	Execute(ctx context.Context, schema domain.ActionSchema, args map[string]any, credential string) (Output, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, schema domain.ActionSchema, args map[string]any, credential string) (Output, error)

func (f ExecutorFunc) Execute(ctx context.Context, schema domain.ActionSchema, args map[string]any, credential string) (Output, error) {
	return f(ctx, schema, args, credential)
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	Dispatch(tool string, kind string, elapsed time.Duration)
}

type entry struct {
	schema domain.ActionSchema
	exec   Executor
}

// Registry is the catalogue of invocable actions. It is filled once at
// startup, sealed, and only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]entry
	aliases  map[string]string
	order    []string
	sealed   bool
	logger   *slog.Logger
	recorder Recorder
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]entry),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// SetRecorder attaches a metrics recorder. Call before Seal.
func (r *Registry) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Register adds an action. Names and aliases share one namespace and must
// be unique across the registry.
func (r *Registry) Register(schema domain.ActionSchema, exec Executor) error {
	if err := validate.Schema(schema); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchema, schema.Name, err)
	}
	if exec == nil {
		return fmt.Errorf("%w %q: executor is nil", ErrInvalidSchema, schema.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if r.taken(schema.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, schema.Name)
	}
	seen := make(map[string]bool, len(schema.Aliases))
	for _, a := range schema.Aliases {
		if seen[a] || r.taken(a) {
			return fmt.Errorf("%w: alias %s of %s", ErrDuplicateTool, a, schema.Name)
		}
		seen[a] = true
	}
	r.tools[schema.Name] = entry{schema: schema, exec: exec}
	for _, a := range schema.Aliases {
		r.aliases[a] = schema.Name
	}
	r.order = append(r.order, schema.Name)
	r.logger.Debug("registered action", "name", schema.Name, "method", schema.Method, "path", schema.Path)
	return nil
}

// Seal freezes the registry; later Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// List returns every schema in registration order.
func (r *Registry) List() []domain.ActionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActionSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].schema)
	}
	return out
}

// taken reports whether name is already a registered name or alias.
// Callers hold r.mu.
func (r *Registry) taken(name string) bool {
	if _, ok := r.tools[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// resolve returns the entry registered under name or one of its aliases.
// Callers hold r.mu.
func (r *Registry) resolve(name string) (entry, bool) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	e, ok := r.tools[name]
	return e, ok
}

// Lookup finds an action by its name or an exact alias. The returned
// schema always carries the canonical name.
func (r *Registry) Lookup(name string) (domain.ActionSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resolve(name)
	return e.schema, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len reports the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions returns provider-facing tool definitions in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	schemas := r.List()
	defs := make([]domain.ToolDefinition, len(schemas))
	for i, s := range schemas {
		defs[i] = Definition(s)
	}
	return defs
}

// Dispatch validates and executes inv. It always returns exactly one result;
// unknown tools, invalid arguments, executor errors and executor panics all
// become ExecutionResult.Error.
func (r *Registry) Dispatch(ctx context.Context, inv domain.ActionInvocation, credential string) (res domain.ExecutionResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("executor panicked", "tool", inv.Tool, "panic", p, "stack", string(debug.Stack()))
			res = domain.Failed(inv, domain.ErrInternal, fmt.Sprintf("executor panicked: %v", p))
		}
		res.Duration = time.Since(start)
		r.observe(res)
	}()

	r.mu.RLock()
	e, ok := r.resolve(inv.Tool)
	r.mu.RUnlock()
	if !ok {
		return domain.Failed(inv, domain.ErrToolNotFound, fmt.Sprintf("unknown tool %q", inv.Tool))
	}
	inv.Tool = e.schema.Name

	args, err := validate.Validate(e.schema, inv.Arguments)
	if err != nil {
		res = domain.Failed(inv, domain.ErrValidation, err.Error())
		var verr *validate.Error
		if errors.As(err, &verr) {
			res.Error.Fields = verr.Fields
		}
		return res
	}

	out, err := e.exec.Execute(ctx, e.schema, args, credential)
	if err != nil {
		res = domain.Failed(inv, Classify(err), err.Error())
		res.Error.Status = statusOf(err)
		res.Status = res.Error.Status
		res.Attempts = apiclient.Attempts(err)
		r.logger.Warn("action failed", "tool", inv.Tool, "kind", res.Error.Kind, "attempts", res.Attempts, "error", err)
		return res
	}
	return domain.ExecutionResult{
		InvocationID: inv.ID,
		Tool:         inv.Tool,
		OK:           true,
		Payload:      out.Payload,
		Status:       out.Status,
		Attempts:     out.Attempts,
	}
}

func (r *Registry) observe(res domain.ExecutionResult) {
	if r.recorder == nil {
		return
	}
	kind := "ok"
	if res.Error != nil {
		kind = string(res.Error.Kind)
	}
	r.recorder.Dispatch(res.Tool, kind, res.Duration)
}

// Classify maps an executor error onto the error taxonomy.
func Classify(err error) domain.ErrorKind {
	var (
		te   *apiclient.TimeoutError
		ne   *apiclient.NetworkError
		he   *apiclient.HTTPError
		ae   *apiclient.AuthorizationError
		app  *apiclient.ApplicationError
		big  *apiclient.ResponseTooLargeError
		verr *validate.Error
	)
	switch {
	case errors.As(err, &verr):
		return domain.ErrValidation
	case errors.As(err, &ae):
		return domain.ErrAuthorization
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	case errors.As(err, &ne):
		return domain.ErrNetwork
	case errors.As(err, &he):
		if he.Status >= 500 {
			return domain.ErrTransient
		}
		return domain.ErrHTTP
	case errors.As(err, &app):
		return domain.ErrApplication
	case errors.As(err, &big):
		return domain.ErrHTTP
	}
	return domain.ErrInternal
}

func statusOf(err error) int {
	var (
		he  *apiclient.HTTPError
		ae  *apiclient.AuthorizationError
		app *apiclient.ApplicationError
		big *apiclient.ResponseTooLargeError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Status
	case errors.As(err, &he):
		return he.Status
	case errors.As(err, &app):
		return app.Status
	case errors.As(err, &big):
		return big.Status
	}
	return 0
}
