// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import "fmt"

// Registry resolves an Engine to its Client. The orchestrator and job
// engine hold one Registry and never construct clients themselves.
type Registry struct {
	clients map[Engine]Client
}

// NewRegistry builds a registry from the given engine clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[Engine]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get returns the client for an engine, or an error if it was never registered.
func (r *Registry) Get(engine Engine) (Client, error) {
	c, ok := r.clients[engine]
	if !ok {
		return nil, fmt.Errorf("upstream: no client registered for engine %q", engine)
	}
	return c, nil
}

// Engines lists every registered engine, in no particular order.
func (r *Registry) Engines() []Engine {
	out := make([]Engine, 0, len(r.clients))
	for e := range r.clients {
		out = append(out, e)
	}
	return out
}
