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

// Session bridges one locally-open, remote-backed store to the network
// layer. Sessions are created through the Registry, which guarantees at
// most one per canonical local path.
type Session struct {
	client    *Client
	localPath string
	remoteURL string
}

// newSession registers the transact-notify callback with the transport.
//
// wake runs on the network goroutine. It receives only the canonical path:
// the owning instance may be long gone by the time a remote version lands,
// so the callback re-resolves a live instance by path (or drops the
// notification) instead of ever holding one.
func newSession(client *Client, localPath, remoteURL string, wake func(path string)) (*Session, error) {
	s := &Session{
		client:    client,
		localPath: localPath,
		remoteURL: remoteURL,
	}
	err := client.transport.Subscribe(localPath, remoteURL, func(version int64) {
		client.logger.WithField("path", localPath).WithField("version", version).
			Debug("remote version available")
		wake(localPath)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Client returns the sync client this session runs on.
func (s *Session) Client() *Client { return s.client }

// LocalPath returns the canonical path keying this session.
func (s *Session) LocalPath() string { return s.localPath }

// RemoteURL returns the endpoint the session replicates to.
func (s *Session) RemoteURL() string { return s.remoteURL }

// NotifyLocalCommit hands a newly committed local version to the network
// layer for propagation. Called on every local commit, before local
// did-change callbacks run.
func (s *Session) NotifyLocalCommit(version int64) {
	s.client.transport.NotifyLocalCommit(s.localPath, version)
}

func (s *Session) close() {
	s.client.transport.Unsubscribe(s.localPath)
}
