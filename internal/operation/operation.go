// Package operation implements the connector-style operations that run
// outside an attempt. Discover is the only one: it runs an executor once
// and emits its message.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Type names an operation.
type Type string

// Operation types.
const (
	TypeDiscover Type = "DISCOVER"
)

// Message types.
const (
	MessageCatalog = "CATALOG"
	MessageTrace   = "TRACE"
)

// Message is one protocol message, emitted as a JSON line.
type Message struct {
	Type    string        `json:"type"`
	Catalog *Catalog      `json:"catalog,omitempty"`
	Trace   *TraceMessage `json:"trace,omitempty"`
}

// Catalog lists the streams a discover run found.
type Catalog struct {
	Streams []Stream `json:"streams"`
}

// Stream is one discovered stream and its JSON schema.
type Stream struct {
	Name               string         `json:"name"`
	JSONSchema         map[string]any `json:"json_schema"`
	SupportedSyncModes []string       `json:"supported_sync_modes,omitempty"`
}

// TraceMessage reports an error out of band.
type TraceMessage struct {
	Type      string      `json:"type"`
	EmittedAt float64     `json:"emitted_at"` // Milliseconds since the epoch
	Error     *ErrorTrace `json:"error,omitempty"`
}

// ErrorTrace describes a failed operation.
type ErrorTrace struct {
	Message         string `json:"message"`
	InternalMessage string `json:"internal_message,omitempty"`
	FailureType     string `json:"failure_type"`
}

// Operation is a single synchronous call-and-emit.
type Operation interface {
	Type() Type
	Execute(ctx context.Context) error
}

// Executor produces the message an operation emits.
type Executor interface {
	Execute(ctx context.Context) (Message, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context) (Message, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context) (Message, error) { return f(ctx) }

// Collector receives emitted messages.
type Collector interface {
	Emit(msg Message) error
}

// ExecutionError wraps the failure of an operation's executor.
type ExecutionError struct {
	Type Type
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed: %v", e.Type, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Discover runs its executor and emits the resulting catalog.
type Discover struct {
	executor Executor
	output   Collector
	now      func() time.Time
}

// NewDiscover creates a Discover operation.
func NewDiscover(executor Executor, output Collector) *Discover {
	return &Discover{executor: executor, output: output, now: time.Now}
}

// Type implements Operation.
func (d *Discover) Type() Type { return TypeDiscover }

// Execute implements Operation. An executor failure is emitted as an ERROR
// trace and returned as an *ExecutionError.
func (d *Discover) Execute(ctx context.Context) error {
	msg, err := d.executor.Execute(ctx)
	if err != nil {
		trace := Message{
			Type: MessageTrace,
			Trace: &TraceMessage{
				Type:      "ERROR",
				EmittedAt: float64(d.now().UnixMilli()),
				Error: &ErrorTrace{
					Message:         "Discover failed. See the logs for details.",
					InternalMessage: err.Error(),
					FailureType:     "system_error",
				},
			},
		}
		if emitErr := d.output.Emit(trace); emitErr != nil {
			return &ExecutionError{Type: TypeDiscover, Err: fmt.Errorf("%w (emit trace: %v)", err, emitErr)}
		}
		return &ExecutionError{Type: TypeDiscover, Err: err}
	}
	if err := d.output.Emit(msg); err != nil {
		return fmt.Errorf("emit %s message: %w", msg.Type, err)
	}
	return nil
}

// JSONLines writes each message as one line of JSON.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a collector writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// Emit implements Collector.
func (j *JSONLines) Emit(msg Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(msg)
}
