/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package device

import "sync"

// Hub keeps the listener registrations of a device. Implementations
// embed it to satisfy OnStateChanged and OnError.
type Hub struct {
	mu     sync.Mutex
	nextID int
	state  map[int]StateHandler
	errs   map[int]ErrorHandler
}

// OnStateChanged registers h and returns its detach function.
func (h *Hub) OnStateChanged(fn StateHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		h.state = make(map[int]StateHandler)
	}
	id := h.nextID
	h.nextID++
	h.state[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.state, id)
		h.mu.Unlock()
	}
}

// OnError registers h and returns its detach function.
func (h *Hub) OnError(fn ErrorHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errs == nil {
		h.errs = make(map[int]ErrorHandler)
	}
	id := h.nextID
	h.nextID++
	h.errs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.errs, id)
		h.mu.Unlock()
	}
}

// EmitState delivers st to every state listener. Handlers run on the
// caller's goroutine without the hub lock held.
func (h *Hub) EmitState(st State) {
	h.mu.Lock()
	handlers := make([]StateHandler, 0, len(h.state))
	for _, fn := range h.state {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(st)
	}
}

// EmitError delivers err to every error listener.
func (h *Hub) EmitError(err *Error) {
	h.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(h.errs))
	for _, fn := range h.errs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// Listeners returns the number of attached handlers.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.state) + len(h.errs)
}
