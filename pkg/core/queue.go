// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

type QueueState int

const (
	QueueAbsent QueueState = iota
	QueueCreating
	QueueReady
	QueueDeleting
)

func (s QueueState) String() string {
	switch s {
	case QueueAbsent:
		return "absent"
	case QueueCreating:
		return "creating"
	case QueueReady:
		return "ready"
	case QueueDeleting:
		return "deleting"
	}
	return fmt.Sprintf("QueueState(%d)", int(s))
}

// QueueBytes is the size of the memory backing a queue of entries entries
// of 1<<shift bytes each.
func QueueBytes(entries int, shift uint) int {
	return entries << shift
}

type Interrupt struct {
	Enabled bool
	Vector  uint16
}

// CQSpec describes a completion queue to create. A queue that is not
// Contiguous is backed by Buffer, which must hold Entries 16 byte entries.
type CQSpec struct {
	ID         uint16
	Entries    int
	Interrupt  Interrupt
	Contiguous bool
	Buffer     []byte
}

// SQSpec describes a submission queue to create. A queue that is not
// Contiguous is backed by Buffer, which must hold Entries 64 byte entries.
type SQSpec struct {
	ID         uint16
	Entries    int
	Priority   uint8
	Contiguous bool
	Buffer     []byte
}

type CompletionQueueInfo struct {
	ID         uint16
	Entries    int
	Interrupt  Interrupt
	Contiguous bool
	Buffer     []byte

	state QueueState
	sqs   map[uint16]*SubmissionQueueInfo
}

func (q *CompletionQueueInfo) State() QueueState { return q.state }

// SubmissionQueues returns the IDs of the submission queues bound to q.
func (q *CompletionQueueInfo) SubmissionQueues() []uint16 {
	ids := make([]uint16, 0, len(q.sqs))
	for id := range q.sqs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type inflight struct {
	opcode    uint8
	fuse      nvme.Fuse
	submitted time.Time
}

type SubmissionQueueInfo struct {
	ID         uint16
	CQ         *CompletionQueueInfo
	Entries    int
	Priority   uint8
	Contiguous bool
	Buffer     []byte

	state    QueueState
	inFlight map[uint16]inflight
}

func (q *SubmissionQueueInfo) State() QueueState { return q.state }

// InFlight is the number of commands submitted to q whose completion has not
// been reaped.
func (q *SubmissionQueueInfo) InFlight() int { return len(q.inFlight) }

// DeletableCQ is a completion queue no submission queue is bound to any
// more. It is only handed out by DeleteSQ and ReleaseCQ.
type DeletableCQ struct {
	cq *CompletionQueueInfo
}

func (d DeletableCQ) Queue() *CompletionQueueInfo { return d.cq }

func checkBacking(what string, entries int, shift uint, contiguous bool, buf []byte) error {
	if entries < 1 || entries > 1<<16 {
		return fmt.Errorf("%w: %s with %d entries", ErrConfig, what, entries)
	}
	if contiguous {
		return nil
	}
	if need := QueueBytes(entries, shift); len(buf) < need {
		return &BoundsError{What: what, Need: need, Capacity: len(buf)}
	}
	return nil
}

// CreateCQ creates an I/O completion queue.
func (s *Session) CreateCQ(spec CQSpec) (*CompletionQueueInfo, error) {
	if spec.ID == 0 {
		return nil, protocolErrorf("queue 0 is the admin completion queue")
	}
	if q, ok := s.cqs[spec.ID]; ok {
		return nil, protocolErrorf("completion queue %d is already %s", spec.ID, q.state)
	}
	what := fmt.Sprintf("completion queue %d", spec.ID)
	if err := checkBacking(what, spec.Entries, nvme.CQEntryShift, spec.Contiguous, spec.Buffer); err != nil {
		return nil, err
	}
	q := &CompletionQueueInfo{
		ID:         spec.ID,
		Entries:    spec.Entries,
		Interrupt:  spec.Interrupt,
		Contiguous: spec.Contiguous,
		Buffer:     spec.Buffer,
		state:      QueueCreating,
		sqs:        map[uint16]*SubmissionQueueInfo{},
	}
	s.cqs[q.ID] = q

	cmd := nvme.Command{
		Opcode: nvme.AdminCreateIOCQ,
		CDW10:  uint32(spec.Entries-1)<<16 | uint32(spec.ID),
		CDW11:  uint32(spec.Interrupt.Vector) << 16,
	}
	if spec.Interrupt.Enabled {
		cmd.CDW11 |= 1 << 1
	}
	if spec.Contiguous {
		cmd.CDW11 |= 1
	}
	if _, err := s.adminSubmission(&drive.Submission{Command: cmd, Data: spec.Buffer}, nvme.StatusSuccess); err != nil {
		delete(s.cqs, q.ID)
		return nil, err
	}
	q.state = QueueReady
	s.log.Printf("created completion queue %d with %d entries", q.ID, q.Entries)
	return q, nil
}

// CreateSQ creates an I/O submission queue bound to cq, which must have been
// created first.
func (s *Session) CreateSQ(spec SQSpec, cq *CompletionQueueInfo) (*SubmissionQueueInfo, error) {
	if cq == nil || s.cqs[cq.ID] != cq || cq.state != QueueReady {
		return nil, protocolErrorf("submission queue %d created before its completion queue", spec.ID)
	}
	if cq.ID == 0 {
		return nil, protocolErrorf("submission queue %d bound to the admin completion queue", spec.ID)
	}
	if spec.ID == 0 {
		return nil, protocolErrorf("queue 0 is the admin submission queue")
	}
	if q, ok := s.sqs[spec.ID]; ok {
		return nil, protocolErrorf("submission queue %d is already %s", spec.ID, q.state)
	}
	what := fmt.Sprintf("submission queue %d", spec.ID)
	if err := checkBacking(what, spec.Entries, nvme.SQEntryShift, spec.Contiguous, spec.Buffer); err != nil {
		return nil, err
	}
	q := &SubmissionQueueInfo{
		ID:         spec.ID,
		CQ:         cq,
		Entries:    spec.Entries,
		Priority:   spec.Priority,
		Contiguous: spec.Contiguous,
		Buffer:     spec.Buffer,
		state:      QueueCreating,
		inFlight:   map[uint16]inflight{},
	}
	s.sqs[q.ID] = q

	cmd := nvme.Command{
		Opcode: nvme.AdminCreateIOSQ,
		CDW10:  uint32(spec.Entries-1)<<16 | uint32(spec.ID),
		CDW11:  uint32(cq.ID)<<16 | uint32(spec.Priority&0x3)<<1,
	}
	if spec.Contiguous {
		cmd.CDW11 |= 1
	}
	if _, err := s.adminSubmission(&drive.Submission{Command: cmd, Data: spec.Buffer}, nvme.StatusSuccess); err != nil {
		delete(s.sqs, q.ID)
		return nil, err
	}
	q.state = QueueReady
	cq.sqs[q.ID] = q
	s.log.Printf("created submission queue %d with %d entries on completion queue %d", q.ID, q.Entries, cq.ID)
	return q, nil
}

// CreatePair creates a completion queue and then a submission queue bound to
// it. When the submission queue cannot be created the completion queue is
// left in place and returned; the caller decides whether to release it.
func (s *Session) CreatePair(sq SQSpec, cq CQSpec) (*SubmissionQueueInfo, *CompletionQueueInfo, error) {
	c, err := s.CreateCQ(cq)
	if err != nil {
		return nil, nil, err
	}
	q, err := s.CreateSQ(sq, c)
	return q, c, err
}

// DeleteSQ deletes a submission queue with no commands in flight. The
// returned handle allows deleting its completion queue once no other
// submission queue is bound to it.
func (s *Session) DeleteSQ(q *SubmissionQueueInfo) (DeletableCQ, error) {
	if q == nil || q.ID == 0 || s.sqs[q.ID] != q || q.state != QueueReady {
		return DeletableCQ{}, protocolErrorf("submission queue deleted before it was created")
	}
	if n := q.InFlight(); n > 0 {
		return DeletableCQ{}, protocolErrorf("submission queue %d deleted with %d commands in flight", q.ID, n)
	}
	q.state = QueueDeleting
	cmd := nvme.Command{Opcode: nvme.AdminDeleteIOSQ, CDW10: uint32(q.ID)}
	if _, err := s.Admin(cmd, nil, nvme.StatusSuccess); err != nil {
		q.state = QueueReady
		return DeletableCQ{}, err
	}
	q.state = QueueAbsent
	delete(s.sqs, q.ID)
	delete(q.CQ.sqs, q.ID)
	s.log.Printf("deleted submission queue %d", q.ID)
	return DeletableCQ{cq: q.CQ}, nil
}

// ReleaseCQ hands out the deletion handle of a completion queue that has no
// submission queue bound, such as one left over by a failed CreatePair.
func (s *Session) ReleaseCQ(q *CompletionQueueInfo) (DeletableCQ, error) {
	if q == nil || q.ID == 0 || s.cqs[q.ID] != q || q.state != QueueReady {
		return DeletableCQ{}, protocolErrorf("completion queue released before it was created")
	}
	if len(q.sqs) > 0 {
		return DeletableCQ{}, protocolErrorf("completion queue %d still serves submission queues %v", q.ID, q.SubmissionQueues())
	}
	return DeletableCQ{cq: q}, nil
}

// DeleteCQ deletes a completion queue after all its submission queues.
func (s *Session) DeleteCQ(d DeletableCQ) error {
	q := d.cq
	if q == nil || q.ID == 0 || s.cqs[q.ID] != q || q.state != QueueReady {
		return protocolErrorf("completion queue deleted before it was created")
	}
	if len(q.sqs) > 0 {
		return protocolErrorf("completion queue %d deleted before submission queues %v", q.ID, q.SubmissionQueues())
	}
	q.state = QueueDeleting
	cmd := nvme.Command{Opcode: nvme.AdminDeleteIOCQ, CDW10: uint32(q.ID)}
	if _, err := s.Admin(cmd, nil, nvme.StatusSuccess); err != nil {
		q.state = QueueReady
		return err
	}
	q.state = QueueAbsent
	delete(s.cqs, q.ID)
	s.log.Printf("deleted completion queue %d", q.ID)
	return nil
}

// DeletePair deletes a submission queue and then its completion queue.
func (s *Session) DeletePair(q *SubmissionQueueInfo) error {
	d, err := s.DeleteSQ(q)
	if err != nil {
		return err
	}
	return s.DeleteCQ(d)
}

// Submit hands commands to the transport, back to back, on submission
// queue q. It returns the command identifiers in order. Nothing is fetched
// by the controller before RingDoorbell.
func (s *Session) Submit(q *SubmissionQueueInfo, subs ...*drive.Submission) ([]uint16, error) {
	if q == nil || s.sqs[q.ID] != q {
		return nil, protocolErrorf("submission to a queue that was not created")
	}
	if q.state != QueueReady {
		return nil, protocolErrorf("submission to queue %d in state %s", q.ID, q.state)
	}
	if free := q.Entries - 1 - q.InFlight(); len(subs) > free {
		return nil, protocolErrorf("queue %d has room for %d commands, %d submitted", q.ID, free, len(subs))
	}
	cids := make([]uint16, 0, len(subs))
	for _, sub := range subs {
		cid, err := s.t.Submit(q.ID, sub)
		if err != nil {
			return cids, &TransportError{Op: "submit", QID: q.ID, Err: err}
		}
		if _, dup := q.inFlight[cid]; dup {
			s.stats.violations++
			return cids, protocolErrorf("transport reused command identifier %d on queue %d", cid, q.ID)
		}
		q.inFlight[cid] = inflight{opcode: sub.Command.Opcode, fuse: sub.Command.Fuse(), submitted: time.Now()}
		s.stats.submitted++
		cids = append(cids, cid)
	}
	return cids, nil
}

func (s *Session) RingDoorbell(q *SubmissionQueueInfo) error {
	if q == nil || s.sqs[q.ID] != q {
		return protocolErrorf("doorbell of a queue that was not created")
	}
	if err := s.t.RingDoorbell(q.ID); err != nil {
		return &TransportError{Op: "doorbell", QID: q.ID, Err: err}
	}
	return nil
}

// Drain reaps every command in flight on q regardless of status. It returns
// what was reaped, which includes completions of other submission queues
// sharing q's completion queue that arrived in the meantime. Only q's own
// completions count toward the drain.
func (s *Session) Drain(q *SubmissionQueueInfo, timeout time.Duration) ([]nvme.Completion, error) {
	if q == nil || s.sqs[q.ID] != q {
		return nil, protocolErrorf("drain of a queue that was not created")
	}
	anyStatus := func(nvme.Completion) (nvme.Status, bool) { return 0, false }
	own := func(c nvme.Completion) bool { return c.SQID == q.ID }
	return s.reapCounting(q.CQ, q.InFlight(), timeout, anyStatus, own)
}

// Forget discards the bookkeeping of every command in flight on submission
// queue sqid. It is meant for commands the controller will never answer,
// for instance after a reset.
func (s *Session) Forget(sqid uint16) int {
	q, ok := s.sqs[sqid]
	if !ok {
		return 0
	}
	n := len(q.inFlight)
	q.inFlight = map[uint16]inflight{}
	s.stats.forgotten += uint64(n)
	if n > 0 {
		s.log.Printf("forgot %d commands in flight on submission queue %d", n, sqid)
	}
	return n
}

// Reset drops every I/O queue from the session, as needed after a controller
// reset. The admin queue pair survives with nothing in flight.
func (s *Session) Reset() {
	for id, q := range s.sqs {
		if id == 0 {
			continue
		}
		s.Forget(id)
		q.state = QueueAbsent
		delete(s.sqs, id)
	}
	for id, q := range s.cqs {
		if id == 0 {
			continue
		}
		q.state = QueueAbsent
		q.sqs = map[uint16]*SubmissionQueueInfo{}
		delete(s.cqs, id)
	}
	s.Forget(0)
}
