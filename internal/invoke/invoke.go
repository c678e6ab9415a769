// Package invoke calls sibling pipeline functions by name without waiting for
// them to finish. Payloads travel as JSON on one Valkey stream per function.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// Function names a sibling handler.
type Function string

const (
	Router     Function = "router"
	Recorder   Function = "recorder"
	Locker     Function = "locker"
	Manifest   Function = "manifest"
	Dispatcher Function = "dispatcher"
	Monitor    Function = "monitor"
	Report     Function = "report"
	Transfer   Function = "transfer"
	Cleanup    Function = "cleanup"
)

// Functions lists every handler the worker serves.
var Functions = []Function{Router, Recorder, Locker, Manifest, Dispatcher, Monitor, Report, Transfer, Cleanup}

const (
	streamPrefix = "gdr:invoke:"
	GroupName    = "gdr-workers"
)

// StreamName returns the stream carrying invocations of fn.
func StreamName(fn Function) string {
	return streamPrefix + string(fn)
}

// Handler processes one invocation payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Invoker hands a payload to a named function. It returns once the
// invocation is accepted, not when the function completes.
type Invoker interface {
	Invoke(ctx context.Context, fn Function, payload any) error
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so consumers acknowledge the message instead of
// leaving it for redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Decode unmarshals a payload, marking decode failures permanent.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return v, nil
}

// Streams is the Valkey-backed Invoker.
type Streams struct {
	client valkey.Client
}

func NewStreams(client valkey.Client) *Streams {
	return &Streams{client: client}
}

func (s *Streams) Invoke(ctx context.Context, fn Function, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", fn, err)
	}

	resp := s.client.Do(ctx, s.client.B().Xadd().
		Key(StreamName(fn)).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("xadd %s: %w", fn, err)
	}
	return nil
}
