// Copyright 2025 Lodestore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"fmt"
	gosync "sync"
)

// Registry holds the process-wide credential→client and path→session maps.
// Values are reference-counted: a session holds one reference on its client,
// each acquirer holds one on its session, and the last release tears the
// value down (for clients: stop + join). This is the deterministic rendering
// of weak-value semantics — an entry disappears exactly when its last strong
// holder lets go, never later.
//
// Only lookup/acquire/release are exposed; the maps themselves stay behind
// one mutex so compound lookup-or-create sequences are race-free.
type Registry struct {
	mu        gosync.Mutex
	clients   map[string]*clientEntry
	sessions  map[string]*sessionEntry
	transport TransportFactory
}

type clientEntry struct {
	client *Client
	refs   int
}

type sessionEntry struct {
	session *Session
	refs    int
}

// TransportFactory builds the network layer for one credential pair.
type TransportFactory func(creds Credentials) Transport

// NewRegistry creates a registry; a nil factory selects the websocket
// transport.
func NewRegistry(factory TransportFactory) *Registry {
	if factory == nil {
		factory = newWebsocketTransport
	}
	return &Registry{
		clients:   make(map[string]*clientEntry),
		sessions:  make(map[string]*sessionEntry),
		transport: factory,
	}
}

// DefaultRegistry is the process-wide registry used by the store layer.
var DefaultRegistry = NewRegistry(nil)

// AcquireSession returns the session for localPath, creating it (and, if
// needed, the client for creds) on first acquisition. The caller owns one
// reference and must pair it with ReleaseSession.
func (r *Registry) AcquireSession(creds Credentials, localPath, remoteURL string, wake func(path string)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.sessions[localPath]; ok {
		if entry.session.remoteURL != remoteURL {
			return nil, fmt.Errorf("store %s is already syncing to %s, requested %s",
				localPath, entry.session.remoteURL, remoteURL)
		}
		entry.refs++
		return entry.session, nil
	}

	ce, ok := r.clients[creds.Key()]
	if !ok {
		ce = &clientEntry{client: newClient(creds, r.transport(creds))}
		r.clients[creds.Key()] = ce
	}

	session, err := newSession(ce.client, localPath, remoteURL, wake)
	if err != nil {
		if ce.refs == 0 {
			delete(r.clients, creds.Key())
			// Stop outside the lock: joining the loop goroutine can take a
			// network round-trip and must not block other acquisitions.
			go ce.client.Stop()
		}
		return nil, err
	}
	ce.refs++
	r.sessions[localPath] = &sessionEntry{session: session, refs: 1}
	return session, nil
}

// ReleaseSession drops one reference on s. On the last release the session
// is unregistered from the network layer, and a client left with no
// sessions is stopped and joined.
func (r *Registry) ReleaseSession(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	entry, ok := r.sessions[s.localPath]
	if !ok || entry.session != s {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.localPath)
	s.close()

	var stale *Client
	key := s.client.creds.Key()
	if ce, ok := r.clients[key]; ok {
		ce.refs--
		if ce.refs == 0 {
			delete(r.clients, key)
			stale = ce.client
		}
	}
	r.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
}

// LookupClient returns the live client for creds, or nil. Lookup only; it
// does not take a reference.
func (r *Registry) LookupClient(creds Credentials) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ce, ok := r.clients[creds.Key()]; ok {
		return ce.client
	}
	return nil
}

// LookupSession returns the live session for localPath, or nil.
func (r *Registry) LookupSession(localPath string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if se, ok := r.sessions[localPath]; ok {
		return se.session
	}
	return nil
}
