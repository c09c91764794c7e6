// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drive

import (
	"fmt"
	"sync"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

// Pending is a command that was submitted but not yet fetched by the
// controller.
type Pending struct {
	CID uint16
	Sub *Submission
}

type sqState struct {
	id       uint16
	cqid     uint16
	entries  int
	priority uint8
	head     int
	pending  []Pending
	nextCID  uint16
	// Command identifiers whose completion has not been reaped.
	outstanding map[uint16]bool
}

type cqState struct {
	id      uint16
	entries int
	ien     bool
	vector  uint16
	tail    int
	posted  []nvme.Completion
	backlog []nvme.Completion
	sqs     int
}

// Queues is the controller side view of the submission and completion
// queues: which identifiers exist, how they are bound, what was submitted
// and what is waiting to be reaped. Transports embed it and apply the
// Create/Delete I/O queue admin commands to it.
type Queues struct {
	MaxQID     uint16
	MaxEntries int
	MaxVector  uint16

	mu   sync.Mutex
	sqs  map[uint16]*sqState
	cqs  map[uint16]*cqState
	wake chan struct{}
}

// NewQueues returns a queue table holding only the admin queue pair.
func NewQueues(maxQID uint16, maxEntries, adminEntries int) *Queues {
	q := &Queues{
		MaxQID:     maxQID,
		MaxEntries: maxEntries,
		MaxVector:  maxQID,
		sqs:        map[uint16]*sqState{},
		cqs:        map[uint16]*cqState{},
		wake:       make(chan struct{}),
	}
	q.cqs[0] = &cqState{id: 0, entries: adminEntries, ien: true, sqs: 1}
	q.sqs[0] = &sqState{id: 0, cqid: 0, entries: adminEntries, outstanding: map[uint16]bool{}}
	return q
}

// Enqueue assigns a command identifier to s and appends it to the tail of
// submission queue sqid. A queue holds at most entries-1 commands.
func (q *Queues) Enqueue(sqid uint16, s *Submission) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sqs[sqid]
	if !ok {
		return 0, fmt.Errorf("%w: submission queue %d", ErrNoQueue, sqid)
	}
	if len(sq.pending) >= sq.entries-1 {
		return 0, fmt.Errorf("%w: submission queue %d holds %d commands", ErrQueueFull, sqid, len(sq.pending))
	}
	cid := sq.nextCID
	for sq.outstanding[cid] || cid == 0xffff {
		cid++
	}
	sq.nextCID = cid + 1
	sq.outstanding[cid] = true
	s.Command.CID = cid
	sq.pending = append(sq.pending, Pending{CID: cid, Sub: s})
	return cid, nil
}

// Fetch removes and returns everything pending on submission queue sqid, in
// submission order.
func (q *Queues) Fetch(sqid uint16) ([]Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sqs[sqid]
	if !ok {
		return nil, fmt.Errorf("%w: submission queue %d", ErrNoQueue, sqid)
	}
	p := sq.pending
	sq.pending = nil
	sq.head = (sq.head + len(p)) % sq.entries
	return p, nil
}

// Complete posts a completion for command cid of submission queue sqid to
// the completion queue the submission queue is bound to.
func (q *Queues) Complete(sqid, cid uint16, st nvme.Status, result uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sqs[sqid]
	if !ok {
		return
	}
	q.post(q.cqs[sq.cqid], nvme.Completion{
		Result: uint32(result),
		DW1:    uint32(result >> 32),
		SQHead: uint16(sq.head),
		SQID:   sqid,
		CID:    cid,
	}, st)
}

func (q *Queues) post(c *cqState, e nvme.Completion, st nvme.Status) {
	if c == nil {
		return
	}
	e.SetStatus(st)
	if len(c.posted) >= c.entries-1 {
		c.backlog = append(c.backlog, e)
		return
	}
	q.place(c, e)
}

// place sets the phase tag the entry gets at the current tail position.
func (q *Queues) place(c *cqState, e nvme.Completion) {
	e.StatusField &^= 1
	if (c.tail/c.entries)%2 == 0 {
		e.StatusField |= 1
	}
	c.tail++
	c.posted = append(c.posted, e)
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queues) pop(c *cqState, max int) []nvme.Completion {
	n := len(c.posted)
	if max < n {
		n = max
	}
	out := make([]nvme.Completion, n)
	copy(out, c.posted[:n])
	c.posted = c.posted[n:]
	for _, e := range out {
		if s, ok := q.sqs[e.SQID]; ok {
			delete(s.outstanding, e.CID)
		}
	}
	for len(c.backlog) > 0 && len(c.posted) < c.entries-1 {
		q.place(c, c.backlog[0])
		c.backlog = c.backlog[1:]
	}
	return out
}

// Reap returns up to max completions of completion queue cqid, waiting up to
// timeout for at least one to be posted.
func (q *Queues) Reap(cqid uint16, max int, timeout time.Duration) ([]nvme.Completion, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		c, ok := q.cqs[cqid]
		if !ok {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: completion queue %d", ErrNoQueue, cqid)
		}
		if len(c.posted) > 0 {
			out := q.pop(c, max)
			q.mu.Unlock()
			return out, nil
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Admin applies the queue management admin commands. It reports false for
// any other opcode.
func (q *Queues) Admin(s *Submission) (nvme.Status, bool) {
	c := &s.Command
	q.mu.Lock()
	defer q.mu.Unlock()
	switch c.Opcode {
	case nvme.AdminCreateIOCQ:
		return q.createCQ(c, s.Data), true
	case nvme.AdminCreateIOSQ:
		return q.createSQ(c, s.Data), true
	case nvme.AdminDeleteIOSQ:
		return q.deleteSQ(uint16(c.CDW10)), true
	case nvme.AdminDeleteIOCQ:
		return q.deleteCQ(uint16(c.CDW10)), true
	}
	return nvme.StatusSuccess, false
}

func (q *Queues) checkNew(qid uint16, qsize uint16) nvme.Status {
	if qid == 0 || qid > q.MaxQID {
		return nvme.StatusInvalidQID
	}
	if qsize == 0 || int(qsize)+1 > q.MaxEntries {
		return nvme.StatusInvalidQueueSize
	}
	return nvme.StatusSuccess
}

// checkMemory requires a host buffer large enough for a queue that is not
// physically contiguous.
func checkMemory(cdw11 uint32, entries int, shift uint, data []byte) nvme.Status {
	if cdw11&0x1 != 0 {
		return nvme.StatusSuccess
	}
	if len(data) < entries<<shift {
		return nvme.StatusInvalidField
	}
	return nvme.StatusSuccess
}

func (q *Queues) createCQ(c *nvme.Command, data []byte) nvme.Status {
	qid, qsize := uint16(c.CDW10), uint16(c.CDW10>>16)
	if st := q.checkNew(qid, qsize); st != nvme.StatusSuccess {
		return st
	}
	if _, ok := q.cqs[qid]; ok {
		return nvme.StatusInvalidQID
	}
	entries := int(qsize) + 1
	if st := checkMemory(c.CDW11, entries, nvme.CQEntryShift, data); st != nvme.StatusSuccess {
		return st
	}
	ien, iv := c.CDW11&0x2 != 0, uint16(c.CDW11>>16)
	if ien && iv > q.MaxVector {
		return nvme.StatusInvalidInterruptVector
	}
	q.cqs[qid] = &cqState{id: qid, entries: entries, ien: ien, vector: iv}
	return nvme.StatusSuccess
}

func (q *Queues) createSQ(c *nvme.Command, data []byte) nvme.Status {
	qid, qsize := uint16(c.CDW10), uint16(c.CDW10>>16)
	cqid := uint16(c.CDW11 >> 16)
	bound, ok := q.cqs[cqid]
	if !ok || cqid == 0 {
		return nvme.StatusCQInvalid
	}
	if st := q.checkNew(qid, qsize); st != nvme.StatusSuccess {
		return st
	}
	if _, ok := q.sqs[qid]; ok {
		return nvme.StatusInvalidQID
	}
	entries := int(qsize) + 1
	if st := checkMemory(c.CDW11, entries, nvme.SQEntryShift, data); st != nvme.StatusSuccess {
		return st
	}
	q.sqs[qid] = &sqState{
		id:          qid,
		cqid:        cqid,
		entries:     entries,
		priority:    uint8(c.CDW11>>1) & 0x3,
		outstanding: map[uint16]bool{},
	}
	bound.sqs++
	return nvme.StatusSuccess
}

// deleteSQ aborts whatever is still pending on the queue.
func (q *Queues) deleteSQ(qid uint16) nvme.Status {
	s, ok := q.sqs[qid]
	if !ok || qid == 0 {
		return nvme.StatusInvalidQID
	}
	c := q.cqs[s.cqid]
	for _, p := range s.pending {
		s.head = (s.head + 1) % s.entries
		q.post(c, nvme.Completion{SQHead: uint16(s.head), SQID: qid, CID: p.CID}, nvme.StatusAbortedSQDeletion)
	}
	delete(q.sqs, qid)
	c.sqs--
	return nvme.StatusSuccess
}

func (q *Queues) deleteCQ(qid uint16) nvme.Status {
	c, ok := q.cqs[qid]
	if !ok || qid == 0 {
		return nvme.StatusInvalidQID
	}
	if c.sqs > 0 {
		return nvme.StatusInvalidQueueDeletion
	}
	delete(q.cqs, qid)
	return nvme.StatusSuccess
}

// Reset drops every I/O queue and everything pending or posted, as a
// controller reset does.
func (q *Queues) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.sqs {
		if id != 0 {
			delete(q.sqs, id)
		}
	}
	for id := range q.cqs {
		if id != 0 {
			delete(q.cqs, id)
		}
	}
	q.sqs[0].pending = nil
	q.sqs[0].outstanding = map[uint16]bool{}
	q.cqs[0].posted = nil
	q.cqs[0].backlog = nil
	q.cqs[0].sqs = 1
}

// Bound returns the completion queue submission queue sqid posts to.
func (q *Queues) Bound(sqid uint16) (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sqs[sqid]
	if !ok {
		return 0, false
	}
	return s.cqid, true
}
