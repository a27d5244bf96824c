// Copyright 2025 James Ross
// Package events implements the engine's hook surface (spec.md section
// 4.7): in-process, synchronous-with-fan-out, best-effort listeners keyed
// by event name. No pack example implements a generic named-event
// emitter (the closest analog, the neurobridge notifier, hardcodes one
// method per event instead), so this follows the plain sync.RWMutex
// listener-registry shape idiomatic Go reaches for here — see DESIGN.md.
package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Name is one of the hook channels spec.md section 4.7 defines, plus the
// generic "error" channel.
type Name string

const (
	JobAdded      Name = "job:added"
	JobCancelled  Name = "job:cancelled"
	JobRetried    Name = "job:retried"
	JobProcessing Name = "job:processing"
	JobCompleted  Name = "job:completed"
	JobFailed     Name = "job:failed"
	JobWaiting    Name = "job:waiting"
	JobProgress   Name = "job:progress"
	Error         Name = "error"
)

// Listener receives whatever payload the emitting call passed (spec.md
// section 4.7 names the shape per event, e.g. job:failed carries
// {jobId, jobType, willRetry, error}).
type Listener func(payload any)

type subscription struct {
	id       int64
	listener Listener
	once     bool
}

// Emitter fans out events to registered listeners. A listener that panics
// is recovered and logged; it never aborts the emitting call or other
// listeners (spec.md section 4.7).
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Name][]subscription
	nextID    int64
	log       *zap.Logger
}

// New builds an Emitter. A nil logger is replaced with a no-op logger.
func New(log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{listeners: make(map[Name][]subscription), log: log}
}

// On registers a listener that fires on every emission of name, returning
// a handle usable with Off.
func (e *Emitter) On(name Name, l Listener) int64 {
	return e.add(name, l, false)
}

// Once registers a listener that fires at most once, then deregisters
// itself.
func (e *Emitter) Once(name Name, l Listener) int64 {
	return e.add(name, l, true)
}

func (e *Emitter) add(name Name, l Listener, once bool) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], subscription{id: id, listener: l, once: once})
	return id
}

// Off removes a single listener previously registered via On/Once,
// identified by the handle that registration returned.
func (e *Emitter) Off(name Name, handle int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.listeners[name]
	for i, s := range subs {
		if s.id == handle {
			e.listeners[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners drops every listener for name, or every listener on
// every channel when name is empty.
func (e *Emitter) RemoveAllListeners(name Name) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		e.listeners = make(map[Name][]subscription)
		return
	}
	delete(e.listeners, name)
}

// Emit fans payload out to every listener registered for name,
// synchronously, in registration order. A listener panic is recovered and
// logged rather than propagated.
func (e *Emitter) Emit(name Name, payload any) {
	e.mu.RLock()
	subs := make([]subscription, len(e.listeners[name]))
	copy(subs, e.listeners[name])
	e.mu.RUnlock()

	var fired []int64
	for _, s := range subs {
		e.callSafely(name, s, payload)
		if s.once {
			fired = append(fired, s.id)
		}
	}
	if len(fired) > 0 {
		e.mu.Lock()
		for _, id := range fired {
			subs := e.listeners[name]
			for i, s := range subs {
				if s.id == id {
					e.listeners[name] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		e.mu.Unlock()
	}
}

func (e *Emitter) callSafely(name Name, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panicked", zap.String("event", string(name)), zap.Any("recover", fmt.Sprint(r)))
		}
	}()
	s.listener(payload)
}
