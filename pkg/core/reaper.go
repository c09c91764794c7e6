// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

// expectation returns the status a completion must carry, or false when any
// status is acceptable.
type expectation func(c nvme.Completion) (nvme.Status, bool)

// Reap collects expected completions from cq, all of which must carry
// status. It returns a *TimeoutError holding what did arrive when fewer
// completions show up within timeout.
func (s *Session) Reap(cq *CompletionQueueInfo, expected int, status nvme.Status, timeout time.Duration) ([]nvme.Completion, error) {
	return s.reap(cq, expected, timeout, func(nvme.Completion) (nvme.Status, bool) {
		return status, true
	})
}

// ReapEach collects one completion for every command identifier of want and
// checks each against its own expected status, in whatever order they
// arrive.
func (s *Session) ReapEach(cq *CompletionQueueInfo, want map[uint16]nvme.Status, timeout time.Duration) ([]nvme.Completion, error) {
	seen := map[uint16]bool{}
	var dup error
	res, err := s.reap(cq, len(want), timeout, func(c nvme.Completion) (nvme.Status, bool) {
		st, ok := want[c.CID]
		if !ok || seen[c.CID] {
			if dup == nil {
				dup = protocolErrorf("completion for cid %d on sq %d was not expected", c.CID, c.SQID)
			}
			return 0, false
		}
		seen[c.CID] = true
		return st, true
	})
	if err == nil && dup != nil {
		s.stats.violations++
		return res, dup
	}
	return res, err
}

// FindCompletion returns the completion of command cid among records.
func FindCompletion(records []nvme.Completion, cid uint16) (nvme.Completion, bool) {
	for _, c := range records {
		if c.CID == cid {
			return c, true
		}
	}
	return nvme.Completion{}, false
}

func (s *Session) reap(cq *CompletionQueueInfo, expected int, timeout time.Duration, expect expectation) ([]nvme.Completion, error) {
	return s.reapCounting(cq, expected, timeout, expect, nil)
}

// reapCounting polls cq until expected completions accepted by counts have
// arrived. A nil counts accepts every completion. Completions that do not
// count are still correlated and returned. The transport is polled at least
// once, even with a zero timeout.
func (s *Session) reapCounting(cq *CompletionQueueInfo, expected int, timeout time.Duration, expect expectation, counts func(nvme.Completion) bool) ([]nvme.Completion, error) {
	if cq == nil || s.cqs[cq.ID] != cq {
		return nil, protocolErrorf("reap from a completion queue that was not created")
	}
	got := make([]nvme.Completion, 0, expected)
	if expected <= 0 {
		return got, nil
	}
	var mismatch, violation error
	counted := 0
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		max := expected - counted
		if max > cq.Entries {
			max = cq.Entries
		}
		batch, err := s.t.Reap(cq.ID, max, remaining)
		if err != nil {
			return got, &TransportError{Op: "reap", QID: cq.ID, Err: err}
		}
		// The whole batch has left the transport, so every entry is
		// correlated before a violation is reported.
		for _, c := range batch {
			if err := s.correlate(cq, c); err != nil {
				s.stats.violations++
				if violation == nil {
					violation = err
				}
				continue
			}
			got = append(got, c)
			s.stats.reaped++
			if counts == nil || counts(c) {
				counted++
			}
			if want, ok := expect(c); ok && c.Status() != want {
				s.stats.mismatches++
				s.log.Printf("status mismatch: %s", spew.Sdump(c))
				if mismatch == nil {
					mismatch = &StatusMismatchError{Expected: want, Actual: c.Status(), CID: c.CID, SQID: c.SQID}
				}
			}
		}
		if violation != nil {
			return got, violation
		}
		if counted >= expected || remaining == 0 {
			break
		}
	}
	if counted < expected {
		s.stats.timeouts++
		return got, &TimeoutError{CQID: cq.ID, Want: expected, Got: counted, Partial: got}
	}
	if mismatch != nil {
		return got, mismatch
	}
	return got, nil
}

// correlate matches a completion to the command it answers and retires that
// command.
func (s *Session) correlate(cq *CompletionQueueInfo, c nvme.Completion) error {
	sq, ok := cq.sqs[c.SQID]
	if !ok {
		return protocolErrorf("completion on cq %d names sq %d, which is not bound to it", cq.ID, c.SQID)
	}
	if _, ok := sq.inFlight[c.CID]; !ok {
		return protocolErrorf("completion on cq %d for cid %d, which is not in flight on sq %d", cq.ID, c.CID, c.SQID)
	}
	delete(sq.inFlight, c.CID)
	return nil
}
