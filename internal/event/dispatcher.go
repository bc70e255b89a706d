// Package event carries the engine's lifecycle observer hooks and the
// optional audit sinks behind them. Everything here is fire-and-forget:
// a failing or panicking observer can never affect the authentication
// path.
package event

import (
	"context"
	"time"

	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// Type classifies lifecycle events.
type Type string

const (
	TypeRequest Type = "request"
	TypeSend    Type = "send"
	TypeVerify  Type = "verify"
	TypeFail    Type = "fail"
)

// Event is the payload handed to observers and sinks. It never carries
// the plaintext code.
type Event struct {
	Type        Type      `json:"type"`
	Destination string    `json:"destination"`
	Context     string    `json:"context"`
	SessionID   string    `json:"session_id,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	At          time.Time `json:"at"`
}

// Hooks are the optional handler slots a host can attach.
type Hooks struct {
	OnRequest func(Event)
	OnSend    func(Event)
	OnVerify  func(Event)
	OnFail    func(Event)
}

// Sink receives every event, regardless of type. Used for audit
// pipelines (Kafka, ClickHouse).
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to hooks and sinks, discarding their
// failures at this boundary.
type Dispatcher struct {
	hooks Hooks
	sinks []Sink
}

func NewDispatcher(hooks Hooks, sinks ...Sink) *Dispatcher {
	return &Dispatcher{hooks: hooks, sinks: sinks}
}

// Dispatch delivers the event. Hook panics are recovered and logged;
// sink errors are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	d.callHook(ev)

	for _, sink := range d.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			util.Warn("Event sink failed",
				util.String("type", string(ev.Type)),
				util.ErrorField(err))
		}
	}
}

func (d *Dispatcher) callHook(ev Event) {
	var hook func(Event)
	switch ev.Type {
	case TypeRequest:
		hook = d.hooks.OnRequest
	case TypeSend:
		hook = d.hooks.OnSend
	case TypeVerify:
		hook = d.hooks.OnVerify
	case TypeFail:
		hook = d.hooks.OnFail
	}
	if hook == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			util.Warn("Event hook panicked",
				util.String("type", string(ev.Type)),
				util.Any("panic", r))
		}
	}()
	hook(ev)
}
