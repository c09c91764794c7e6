// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core is the command and completion engine of the harness. A
// Session owns the host side view of a controller's queues: it creates and
// deletes queue pairs in the required order, turns semantic requests into
// NVMe commands, tracks which command identifiers are in flight on which
// submission queue, and reaps and validates completions against what a test
// expects.
package core

import (
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

const (
	DefaultTimeout           = 5000 * time.Millisecond
	DefaultAdminQueueEntries = 32
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

type Session struct {
	t            drive.Transport
	timeout      time.Duration
	adminEntries int
	log          Logger

	cqs   map[uint16]*CompletionQueueInfo
	sqs   map[uint16]*SubmissionQueueInfo
	admin *SubmissionQueueInfo
	// Format generation of each namespace, bumped by Format.
	nsGen map[uint32]uint64

	stats stats
}

type SessionOpt func(s *Session)

// WithTimeout sets the reap timeout of the commands the session issues on
// its own, such as queue creation and identify.
func WithTimeout(d time.Duration) SessionOpt {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithAdminQueueDepth declares the number of entries of the admin queue pair
// the transport was set up with.
func WithAdminQueueDepth(n int) SessionOpt {
	return func(s *Session) {
		s.adminEntries = n
	}
}

func WithLogger(l Logger) SessionOpt {
	return func(s *Session) {
		s.log = l
	}
}

// NewSession attaches to the admin queue pair of a transport.
func NewSession(t drive.Transport, opts ...SessionOpt) *Session {
	s := &Session{
		t:            t,
		timeout:      DefaultTimeout,
		adminEntries: DefaultAdminQueueEntries,
		log:          nopLogger{},
		cqs:          map[uint16]*CompletionQueueInfo{},
		sqs:          map[uint16]*SubmissionQueueInfo{},
		nsGen:        map[uint32]uint64{},
	}
	for _, o := range opts {
		o(s)
	}
	acq := &CompletionQueueInfo{
		ID:         0,
		Entries:    s.adminEntries,
		Interrupt:  Interrupt{Enabled: true},
		Contiguous: true,
		state:      QueueReady,
		sqs:        map[uint16]*SubmissionQueueInfo{},
	}
	s.admin = &SubmissionQueueInfo{
		ID:         0,
		CQ:         acq,
		Entries:    s.adminEntries,
		Contiguous: true,
		state:      QueueReady,
		inFlight:   map[uint16]inflight{},
	}
	acq.sqs[0] = s.admin
	s.cqs[0] = acq
	s.sqs[0] = s.admin
	return s
}

// Timeout is the default reap timeout of the session.
func (s *Session) Timeout() time.Duration { return s.timeout }

// AdminQueue returns the admin submission queue; its CQ field is the admin
// completion queue.
func (s *Session) AdminQueue() *SubmissionQueueInfo { return s.admin }

func (s *Session) Close() error {
	return s.t.Close()
}

// Admin issues one admin command and waits for its completion, which must
// carry the expected status. It bypasses the ordering rules of the queue
// manager and is how tests probe the controller's own checks.
func (s *Session) Admin(cmd nvme.Command, data []byte, expected nvme.Status) (nvme.Completion, error) {
	return s.adminSubmission(&drive.Submission{Command: cmd, Data: data}, expected)
}

func (s *Session) adminSubmission(sub *drive.Submission, expected nvme.Status) (nvme.Completion, error) {
	return s.issueAdmin(sub, func(nvme.Completion) (nvme.Status, bool) {
		return expected, true
	})
}

// adminAny issues an admin command and returns its completion whatever the
// status.
func (s *Session) adminAny(cmd nvme.Command, data []byte) (nvme.Completion, error) {
	return s.issueAdmin(&drive.Submission{Command: cmd, Data: data}, func(nvme.Completion) (nvme.Status, bool) {
		return 0, false
	})
}

func (s *Session) issueAdmin(sub *drive.Submission, expect expectation) (nvme.Completion, error) {
	if _, err := s.Submit(s.admin, sub); err != nil {
		return nvme.Completion{}, err
	}
	if err := s.RingDoorbell(s.admin); err != nil {
		return nvme.Completion{}, err
	}
	res, err := s.reap(s.admin.CQ, 1, s.timeout, expect)
	if err != nil {
		return nvme.Completion{}, err
	}
	return res[0], nil
}

// IdentifyController reads the Identify Controller data structure.
func (s *Session) IdentifyController() (*nvme.IdentifyController, error) {
	raw := make([]byte, nvme.IdentifySize)
	cmd := nvme.Command{Opcode: nvme.AdminIdentify, CDW10: nvme.CNSController}
	if _, err := s.Admin(cmd, raw, nvme.StatusSuccess); err != nil {
		return nil, err
	}
	return nvme.ParseIdentifyController(raw)
}

// ActiveNamespaces lists the active namespace IDs.
func (s *Session) ActiveNamespaces() ([]uint32, error) {
	raw := make([]byte, nvme.IdentifySize)
	cmd := nvme.Command{Opcode: nvme.AdminIdentify, CDW10: nvme.CNSActiveNamespaces}
	if _, err := s.Admin(cmd, raw, nvme.StatusSuccess); err != nil {
		return nil, err
	}
	ids := []uint32{}
	for i := 0; i+4 <= len(raw); i += 4 {
		id := uint32(raw[i]) | uint32(raw[i+1])<<8 | uint32(raw[i+2])<<16 | uint32(raw[i+3])<<24
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}
