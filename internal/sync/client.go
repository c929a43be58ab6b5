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

// Package sync orchestrates the local side of store replication: one Client
// per credential pair running a background network-processing loop, and one
// Session per locally-open remote-backed store bridging local commits to the
// network and remote arrivals back to local wake-ups. Wire protocol
// internals, retry policy and conflict resolution live in the Transport.
package sync

import (
	"context"
	gosync "sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Credentials is the identity + signature pair authorizing a sync client.
type Credentials struct {
	Identity  string
	Signature string
}

// Key uniquely identifies the client a credential pair maps onto.
func (c Credentials) Key() string {
	return c.Identity + "\x00" + c.Signature
}

var (
	logMu   gosync.Mutex
	verbose bool
)

// SetVerboseLogging switches between verbose and normal logging for all
// clients created afterwards. Already-running clients keep their level.
func SetVerboseLogging(v bool) {
	logMu.Lock()
	defer logMu.Unlock()
	verbose = v
}

func clientLogLevel() log.Level {
	logMu.Lock()
	defer logMu.Unlock()
	if verbose {
		return log.DebugLevel
	}
	return log.InfoLevel
}

// Client owns the network engine for one credential pair and the dedicated
// goroutine running its processing loop. Clients are created through the
// Registry, which guarantees at most one per credential key.
type Client struct {
	creds     Credentials
	transport Transport
	logger    *log.Entry

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce gosync.Once
}

// newClient builds the client and immediately starts its processing loop.
func newClient(creds Credentials, transport Transport) *Client {
	logger := newClientLogger(creds)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		creds:     creds,
		transport: transport,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("sync processing loop exited")
		}
	}()
	logger.Debug("sync client started")
	return c
}

func newClientLogger(creds Credentials) *log.Entry {
	l := log.New()
	l.SetLevel(clientLogLevel())
	return l.WithFields(log.Fields{
		"component": "sync",
		"client":    uuid.NewString()[:8],
		"identity":  creds.Identity,
	})
}

// Credentials returns the credential pair this client was built from.
func (c *Client) Credentials() Credentials { return c.creds }

// Stop shuts down the processing loop and joins it. Idempotent and callable
// from any goroutine; returns only after the loop goroutine has exited.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
	})
	<-c.done
	c.logger.Debug("sync client stopped")
}
