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
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitRecord struct {
	path    string
	version int64
}

// fakeTransport records subscriptions and commits, and lets tests inject
// inbound remote versions.
type fakeTransport struct {
	running       atomic.Bool
	failSubscribe bool

	mu      gosync.Mutex
	subs    map[string]func(int64)
	commits []commitRecord
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]func(int64))}
}

func (f *fakeTransport) Run(ctx context.Context) error {
	f.running.Store(true)
	<-ctx.Done()
	f.running.Store(false)
	return nil
}

func (f *fakeTransport) Subscribe(localPath, remoteURL string, notify func(version int64)) error {
	if f.failSubscribe {
		return errors.New("endpoint refused subscription")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.subs[localPath]; dup {
		return fmt.Errorf("duplicate subscription for %s", localPath)
	}
	f.subs[localPath] = notify
	return nil
}

func (f *fakeTransport) Unsubscribe(localPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, localPath)
}

func (f *fakeTransport) NotifyLocalCommit(localPath string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commitRecord{localPath, version})
}

// fireVersion simulates a remote version arriving for localPath.
func (f *fakeTransport) fireVersion(localPath string, version int64) {
	f.mu.Lock()
	notify := f.subs[localPath]
	f.mu.Unlock()
	if notify != nil {
		notify(version)
	}
}

func (f *fakeTransport) subscribed(localPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[localPath]
	return ok
}

// testRegistry builds a registry whose clients all share one fake transport.
func testRegistry() (*Registry, *fakeTransport) {
	fake := newFakeTransport()
	return NewRegistry(func(creds Credentials) Transport { return fake }), fake
}

var testCreds = Credentials{Identity: "user@example.com", Signature: "sig-1"}

func TestAcquireSession(t *testing.T) {
	noWake := func(string) {}

	t.Run("creates client and session on first acquire", func(t *testing.T) {
		g := NewWithT(t)
		r, fake := testRegistry()

		s, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		defer r.ReleaseSession(s)

		assert.Equal(t, "/data/a", s.LocalPath())
		assert.Equal(t, "wss://sync.example.com", s.RemoteURL())
		assert.Same(t, s.Client(), r.LookupClient(testCreds))
		assert.Same(t, s, r.LookupSession("/data/a"))
		assert.True(t, fake.subscribed("/data/a"))
		g.Eventually(fake.running.Load).Should(BeTrue(), "processing loop must start with the client")
	})

	t.Run("same credentials share one client across paths", func(t *testing.T) {
		r, _ := testRegistry()

		a, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		defer r.ReleaseSession(a)
		b, err := r.AcquireSession(testCreds, "/data/b", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		defer r.ReleaseSession(b)

		assert.NotSame(t, a, b)
		assert.Same(t, a.Client(), b.Client())
	})

	t.Run("same path returns the same session", func(t *testing.T) {
		r, _ := testRegistry()

		a, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		b, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.NoError(t, err)

		assert.Same(t, a, b)
		r.ReleaseSession(b)
		assert.Same(t, a, r.LookupSession("/data/a"), "first reference still held")
		r.ReleaseSession(a)
		assert.Nil(t, r.LookupSession("/data/a"))
	})

	t.Run("conflicting remote URL is rejected", func(t *testing.T) {
		r, _ := testRegistry()

		a, err := r.AcquireSession(testCreds, "/data/a", "wss://one.example.com", noWake)
		require.NoError(t, err)
		defer r.ReleaseSession(a)

		_, err = r.AcquireSession(testCreds, "/data/a", "wss://two.example.com", noWake)
		assert.ErrorContains(t, err, "already syncing")
	})

	t.Run("subscribe failure leaves no residue", func(t *testing.T) {
		g := NewWithT(t)
		r, fake := testRegistry()
		fake.failSubscribe = true

		_, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.Error(t, err)
		assert.Nil(t, r.LookupSession("/data/a"))
		assert.Nil(t, r.LookupClient(testCreds))
		g.Eventually(fake.running.Load).Should(BeFalse(), "orphaned client must be stopped")
	})
}

func TestReleaseSession(t *testing.T) {
	noWake := func(string) {}

	t.Run("last session release stops the client", func(t *testing.T) {
		g := NewWithT(t)
		r, fake := testRegistry()

		a, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		b, err := r.AcquireSession(testCreds, "/data/b", "wss://sync.example.com", noWake)
		require.NoError(t, err)
		g.Eventually(fake.running.Load).Should(BeTrue())

		r.ReleaseSession(a)
		assert.False(t, fake.subscribed("/data/a"))
		assert.NotNil(t, r.LookupClient(testCreds), "client outlives its other session")
		assert.True(t, fake.running.Load())

		r.ReleaseSession(b)
		assert.Nil(t, r.LookupClient(testCreds))
		g.Eventually(fake.running.Load).Should(BeFalse(), "stop must join the loop goroutine")
	})

	t.Run("release of nil or unknown session is safe", func(t *testing.T) {
		r, _ := testRegistry()
		assert.NotPanics(t, func() { r.ReleaseSession(nil) })

		stale := &Session{client: newClient(testCreds, newFakeTransport()), localPath: "/gone"}
		defer stale.client.Stop()
		assert.NotPanics(t, func() { r.ReleaseSession(stale) })
	})
}

func TestSessionBridging(t *testing.T) {
	t.Run("local commits reach the transport", func(t *testing.T) {
		r, fake := testRegistry()
		s, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", func(string) {})
		require.NoError(t, err)
		defer r.ReleaseSession(s)

		s.NotifyLocalCommit(7)
		s.NotifyLocalCommit(8)

		fake.mu.Lock()
		defer fake.mu.Unlock()
		assert.Equal(t, []commitRecord{{"/data/a", 7}, {"/data/a", 8}}, fake.commits)
	})

	t.Run("remote versions wake by path only", func(t *testing.T) {
		r, fake := testRegistry()
		var woken []string
		var mu gosync.Mutex
		s, err := r.AcquireSession(testCreds, "/data/a", "wss://sync.example.com", func(path string) {
			mu.Lock()
			woken = append(woken, path)
			mu.Unlock()
		})
		require.NoError(t, err)
		defer r.ReleaseSession(s)

		fake.fireVersion("/data/a", 3)
		fake.fireVersion("/data/other", 9)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"/data/a"}, woken)
	})
}

func TestClientStop(t *testing.T) {
	g := NewWithT(t)
	fake := newFakeTransport()
	c := newClient(testCreds, fake)
	g.Eventually(fake.running.Load).Should(BeTrue())

	c.Stop()
	assert.False(t, fake.running.Load(), "Stop returns only after the loop exited")
	assert.NotPanics(t, c.Stop, "Stop is idempotent")
	assert.Equal(t, testCreds, c.Credentials())
}
