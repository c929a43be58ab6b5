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

package store

import (
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// Kind classifies a notification delivered to token callbacks.
type Kind int

const (
	// KindDidChange fires after every successful commit and on Refresh
	// after a remote version arrives.
	KindDidChange Kind = iota + 1
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDidChange:
		return "did-change"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Callback receives notifications for one token.
type Callback func(kind Kind, inst *Instance)

// Token binds one instance to one callback. The instance holds it weakly
// (skipped once cleared); the caller holds it strongly and must pair every
// AddListener with RemoveListener.
type Token struct {
	inst  *Instance
	fn    Callback
	state *tokenState
}

// tokenState lives in its own allocation so the leak-detection cleanup can
// hold it without keeping the token itself alive.
type tokenState struct {
	attached bool
	path     string
}

// AddListener subscribes fn to change notifications and returns its token.
// The instance must be writable; a nil callback is a programmer error.
func (i *Instance) AddListener(fn Callback) (*Token, error) {
	i.assert()
	if fn == nil {
		panic("lodestore: nil notification callback")
	}
	if i.cfg.ReadOnly {
		return nil, fmt.Errorf("cannot observe a read-only instance %s", i.key)
	}
	t := &Token{inst: i, fn: fn, state: &tokenState{attached: true, path: i.key}}
	if i.tokens == nil {
		i.tokens = make(map[*Token]struct{})
	}
	i.tokens[t] = struct{}{}

	// A token garbage-collected while still attached is an unmatched
	// subscription; diagnose it rather than silently dropping callbacks.
	runtime.AddCleanup(t, func(st *tokenState) {
		if st.attached {
			log.WithField("path", st.path).Warn("notification token released without RemoveListener")
		}
	}, t.state)
	return t, nil
}

// RemoveListener detaches t. Idempotent; removing a token twice or removing
// a token from an already-torn-down instance is safe.
func (i *Instance) RemoveListener(t *Token) {
	if t == nil || t.inst == nil {
		return
	}
	i.assert()
	delete(i.tokens, t)
	t.detach()
}

func (t *Token) detach() {
	t.inst = nil
	t.fn = nil
	if t.state != nil {
		t.state.attached = false
	}
}

// sendNotifications snapshots the token set and invokes each live callback
// synchronously on the calling goroutine. Tokens cleared mid-flight are
// skipped.
func (i *Instance) sendNotifications(kind Kind) {
	snapshot := make([]*Token, 0, len(i.tokens))
	for t := range i.tokens {
		snapshot = append(snapshot, t)
	}
	for _, t := range snapshot {
		if t.inst == nil || t.fn == nil {
			continue
		}
		t.fn(kind, i)
	}
}
