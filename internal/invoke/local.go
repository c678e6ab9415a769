package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Local runs registered handlers in-process. Invoke executes the handler
// before returning; handler errors are logged and kept, never returned, so
// callers observe the same fire-and-forget contract as Streams.
type Local struct {
	mu       sync.Mutex
	handlers map[Function]Handler
	errs     []error
	logger   *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	return &Local{handlers: map[Function]Handler{}, logger: logger}
}

// Register binds a handler to a function name.
func (l *Local) Register(fn Function, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[fn] = h
}

func (l *Local) Invoke(ctx context.Context, fn Function, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", fn, err)
	}
	l.mu.Lock()
	h, ok := l.handlers[fn]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for %s", fn)
	}
	if err := h(ctx, data); err != nil {
		l.logger.Error("local invocation failed", slog.String("function", string(fn)), slog.String("error", err.Error()))
		l.mu.Lock()
		l.errs = append(l.errs, fmt.Errorf("%s: %w", fn, err))
		l.mu.Unlock()
	}
	return nil
}

// Errors returns handler failures seen so far.
func (l *Local) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// Call is one recorded invocation.
type Call struct {
	Fn      Function
	Payload json.RawMessage
}

// Recording is an Invoker that only records calls.
type Recording struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recording) Invoke(_ context.Context, fn Function, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Fn: fn, Payload: data})
	return nil
}

// Calls returns the recorded invocations of fn, or all of them when fn is empty.
func (r *Recording) Calls(fn Function) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if fn == "" || c.Fn == fn {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
