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
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"

	"lodestore/internal/util"
)

// Transport is the network engine a Client runs. Implementations own wire
// protocol, reconnect policy and conflict resolution; this package only
// starts, feeds and stops them.
type Transport interface {
	// Run processes network traffic until ctx is cancelled. Called exactly
	// once, on the client's dedicated goroutine.
	Run(ctx context.Context) error

	// Subscribe registers interest in a remote store. notify fires on a
	// network goroutine whenever a remote version becomes locally available.
	Subscribe(localPath, remoteURL string, notify func(version int64)) error

	// Unsubscribe drops the registration for localPath. Idempotent.
	Unsubscribe(localPath string)

	// NotifyLocalCommit propagates a locally committed version upstream.
	NotifyLocalCommit(localPath string, version int64)
}

// frame is the envelope exchanged with the sync endpoint.
type frame struct {
	Kind    string `json:"kind"` // "commit" (outbound) or "version" (inbound)
	Path    string `json:"path"`
	Version int64  `json:"version"`
}

// wsTransport speaks JSON frames over one websocket per remote endpoint.
type wsTransport struct {
	creds  Credentials
	logger *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu   gosync.Mutex
	subs map[string]*wsSub // localPath → subscription
}

type wsSub struct {
	remoteURL string
	notify    func(version int64)
	cancel    context.CancelFunc

	connMu gosync.Mutex
	conn   *websocket.Conn
}

func newWebsocketTransport(creds Credentials) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsTransport{
		creds:  creds,
		logger: log.WithField("component", "sync.transport"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*wsSub),
	}
}

// Run parks until the client stops it, then tears down every subscription
// and joins the reader goroutines. The per-subscription readers are spawned
// by Subscribe; Run is their lifecycle anchor.
func (t *wsTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *wsTransport) Subscribe(localPath, remoteURL string, notify func(version int64)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subs[localPath]; exists {
		return fmt.Errorf("duplicate subscription for %s", localPath)
	}
	subCtx, subCancel := context.WithCancel(t.ctx)
	sub := &wsSub{remoteURL: remoteURL, notify: notify, cancel: subCancel}
	t.subs[localPath] = sub

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(subCtx, localPath, sub)
	}()
	return nil
}

func (t *wsTransport) Unsubscribe(localPath string) {
	t.mu.Lock()
	sub, ok := t.subs[localPath]
	if ok {
		delete(t.subs, localPath)
	}
	t.mu.Unlock()
	if ok {
		sub.cancel()
		sub.closeConn()
	}
}

func (t *wsTransport) NotifyLocalCommit(localPath string, version int64) {
	t.mu.Lock()
	sub, ok := t.subs[localPath]
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.write(t.ctx, frame{Kind: "commit", Path: localPath, Version: version}); err != nil {
		t.logger.WithError(err).WithField("path", localPath).
			Debug("dropping local commit notification, endpoint unreachable")
	}
}

// readLoop dials the endpoint and delivers inbound version frames, redialing
// with backoff until the subscription or the whole transport is cancelled.
func (t *wsTransport) readLoop(ctx context.Context, localPath string, sub *wsSub) {
	for ctx.Err() == nil {
		conn, err := util.RetryWithResult(ctx, func() (*websocket.Conn, error) {
			return t.dial(ctx, sub.remoteURL)
		}, util.TransportRetryOptions(ctx)...)
		if err != nil {
			return // context cancelled
		}
		sub.setConn(conn)

		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				break
			}
			if f.Kind == "version" && f.Path == localPath {
				sub.notify(f.Version)
			}
		}
		sub.setConn(nil)
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
}

func (t *wsTransport) dial(ctx context.Context, remoteURL string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Sync-Identity", t.creds.Identity)
	header.Set("X-Sync-Signature", t.creds.Signature)
	conn, _, err := websocket.Dial(ctx, remoteURL, &websocket.DialOptions{HTTPHeader: header})
	return conn, err
}

func (s *wsSub) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *wsSub) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
}

func (s *wsSub) write(ctx context.Context, f frame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	return wsjson.Write(ctx, s.conn, f)
}
