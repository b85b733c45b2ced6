// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package session implements the compiler's bounded memory sessions:
// nested child sessions, ownership extraction, and a free/cancel pair that
// tears down every subsession with it. The host language is garbage
// collected, so a "freed" allocation here is a release callback run to
// undo whatever side effect it represents (e.g. discarding a function's
// pass-2 LIR before a recompile).
package session

import "fmt"

// Session is a scope that owns a set of release callbacks and any number of
// child sessions.
type Session struct {
	parent   *Session
	children []*Session
	releases []func()
	closed   bool
}

// New creates a root session with no parent.
func New() *Session { return &Session{} }

// Child creates a nested session. Freeing or cancelling the parent also
// frees every still-open child.
func (s *Session) Child() *Session {
	c := &Session{parent: s}
	s.children = append(s.children, c)
	return c
}

// Handle identifies one tracked release within a session.
type Handle int

// Track registers release as the cleanup for one allocation owned by s.
// Free/Cancel run every tracked release in reverse registration order.
func (s *Session) Track(release func()) Handle {
	s.releases = append(s.releases, release)
	return Handle(len(s.releases) - 1)
}

// Extract transfers ownership of the allocation identified by h out of
// s. The release moves to s's parent, if any; extracting
// from a root session simply un-tracks it, leaving the caller solely
// responsible for it.
func (s *Session) Extract(h Handle) {
	if int(h) < 0 || int(h) >= len(s.releases) || s.releases[h] == nil {
		return
	}
	release := s.releases[h]
	s.releases[h] = nil
	if s.parent != nil {
		s.parent.Track(release)
	}
}

// Free reclaims every allocation s and its subsessions still own.
func (s *Session) Free() {
	if s.closed {
		return
	}
	for _, c := range s.children {
		c.Free()
	}
	s.children = nil
	for i := len(s.releases) - 1; i >= 0; i-- {
		if s.releases[i] != nil {
			s.releases[i]()
		}
	}
	s.releases = nil
	s.closed = true
}

// Cancel is Free's counterpart for an abandoned operation rather than a
// completed one. The
// reclaim behavior is identical; the two names exist so call sites can
// state which one happened.
func (s *Session) Cancel() { s.Free() }

// Run executes f with panics recovered at this session's boundary; a
// panic is turned into an error and cancels the session: the utils.Assert/
// utils.Fatal panic discipline unwinds exactly this far before becoming a
// returned error.
func (s *Session) Run(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			s.Cancel()
		}
	}()
	f()
	return nil
}
