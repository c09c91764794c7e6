// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/core"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive/sim"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

// Cases run one after the other, each on a fresh I/O queue pair with this ID.
const (
	queueID      = 1
	queueEntries = 16
	testSLBA     = 8
)

var errSkip = errors.New("skipped")

func skipf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errSkip, fmt.Sprintf(format, args...))
}

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

type Result struct {
	Case     string
	Outcome  Outcome
	Duration time.Duration
	Detail   string `json:",omitempty"`
}

type conformanceCase struct {
	Name        string
	Description string
	// Writes is set for cases that change namespace contents.
	Writes bool
	// SimOnly is set for cases that rely on fault injection.
	SimOnly bool
	// OwnQueues is set for cases that create and delete queues themselves.
	OwnQueues bool
	run       func(h *harness, sq *core.SubmissionQueueInfo) error
}

var cases = []conformanceCase{
	{Name: "queue-lifecycle", Description: "Queue creation and deletion order is enforced by host and controller", OwnQueues: true, run: caseQueueLifecycle},
	{Name: "queue-full", Description: "A queue takes one command less than it has entries", run: caseQueueFull},
	{Name: "read-write", Description: "Written data reads back unchanged", Writes: true, run: caseReadWrite},
	{Name: "compare", Description: "Compare succeeds on equal data and fails on a difference", Writes: true, run: caseCompare},
	{Name: "fused-compare-write", Description: "A fused write happens only when its compare matches", Writes: true, run: caseFused},
	{Name: "copy", Description: "Copy gathers source ranges into the destination", Writes: true, run: caseCopy},
	{Name: "protection", Description: "Host generated protection information passes and fails the controller's checks", Writes: true, run: caseProtection},
	{Name: "zone-append", Description: "Zone Append reports where the data landed", Writes: true, run: caseZoneAppend},
	{Name: "reap-timeout", Description: "A lost completion ends the reap with what did arrive", SimOnly: true, run: caseReapTimeout},
	{Name: "status-mismatch", Description: "An unexpected status is reported with both statuses", SimOnly: true, run: caseStatusMismatch},
	{Name: "format", Description: "Namespaces identified before a format are refused", Writes: true, SimOnly: true, run: caseFormat},
}

type harness struct {
	s       *core.Session
	sim     *sim.Controller
	ctrl    *nvme.IdentifyController
	ns      []*core.Namespace
	timeout time.Duration
}

func newHarness(s *core.Session, c *sim.Controller, timeout time.Duration) (*harness, error) {
	ctrl, err := s.IdentifyController()
	if err != nil {
		return nil, fmt.Errorf("IdentifyController() failed: %v", err)
	}
	ids, err := s.ActiveNamespaces()
	if err != nil {
		return nil, fmt.Errorf("ActiveNamespaces() failed: %v", err)
	}
	h := &harness{s: s, sim: c, ctrl: ctrl, timeout: timeout}
	for _, id := range ids {
		ns, err := s.IdentifyNamespace(id)
		if err != nil {
			return nil, fmt.Errorf("IdentifyNamespace(%d) failed: %v", id, err)
		}
		h.ns = append(h.ns, ns)
	}
	return h, nil
}

func plain(ns *core.Namespace) bool     { return !ns.Zoned() && !ns.PI.Enabled() }
func protected(ns *core.Namespace) bool { return !ns.Zoned() && ns.PI.Enabled() }
func zoned(ns *core.Namespace) bool     { return ns.Zoned() }

// namespace returns the first namespace match accepts, or nil.
func (h *harness) namespace(match func(*core.Namespace) bool) *core.Namespace {
	for _, ns := range h.ns {
		if match(ns) {
			return ns
		}
	}
	return nil
}

func (h *harness) supports(oncs uint16) bool {
	return h.ctrl.ONCS&oncs != 0
}

func (h *harness) issue(sq *core.SubmissionQueueInfo, ns *core.Namespace, req *core.Request, st nvme.Status) ([]nvme.Completion, error) {
	return h.s.Issue(sq, ns, req, st, h.timeout)
}

func (h *harness) pair() (*core.SubmissionQueueInfo, error) {
	sq, cq, err := h.s.CreatePair(
		core.SQSpec{ID: queueID, Entries: queueEntries, Contiguous: true},
		core.CQSpec{ID: queueID, Entries: queueEntries, Contiguous: true, Interrupt: core.Interrupt{Enabled: true, Vector: queueID}},
	)
	if err != nil && cq != nil {
		if d, rerr := h.s.ReleaseCQ(cq); rerr == nil {
			h.s.DeleteCQ(d)
		}
	}
	return sq, err
}

func (h *harness) release(sq *core.SubmissionQueueInfo) error {
	if n := h.s.Forget(sq.ID); n > 0 {
		log.Printf("Abandoned %d commands on queue %d", n, sq.ID)
	}
	return h.s.DeletePair(sq)
}

// recover brings controller and session back to the admin queue pair alone
// after a case left queues behind.
func (h *harness) recover() {
	del := []nvme.Command{
		{Opcode: nvme.AdminDeleteIOSQ, CDW10: queueID},
		{Opcode: nvme.AdminDeleteIOCQ, CDW10: queueID},
	}
	for _, cmd := range del {
		h.s.Admin(cmd, nil, nvme.StatusSuccess)
	}
	h.s.Reset()
	if h.sim != nil {
		h.sim.Reset()
	}
}

func (h *harness) run(c conformanceCase) Result {
	r := Result{Case: c.Name}
	start := time.Now()
	err := h.exec(c)
	r.Duration = time.Since(start)
	switch {
	case err == nil:
		r.Outcome = OutcomePass
	case errors.Is(err, errSkip):
		r.Outcome = OutcomeSkip
		r.Detail = err.Error()
	case errors.Is(err, drive.ErrNotSupported):
		r.Outcome = OutcomeSkip
		r.Detail = err.Error()
		h.recover()
	default:
		r.Outcome = OutcomeFail
		r.Detail = err.Error()
		h.recover()
	}
	return r
}

func (h *harness) exec(c conformanceCase) (err error) {
	if c.SimOnly && h.sim == nil {
		return skipf("needs the simulated controller")
	}
	if c.OwnQueues {
		return c.run(h, nil)
	}
	sq, err := h.pair()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.release(sq); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return c.run(h, sq)
}

// pattern returns n bytes that differ between blocks and between seeds.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7) ^ byte(i>>8)
	}
	return b
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func caseQueueLifecycle(h *harness, _ *core.SubmissionQueueInfo) error {
	s := h.s
	if _, err := s.CreateSQ(core.SQSpec{ID: queueID, Entries: queueEntries, Contiguous: true}, nil); !errors.Is(err, core.ErrProtocolViolation) {
		return fmt.Errorf("submission queue created without a completion queue: %v", err)
	}
	// The controller has to refuse it as well.
	create := nvme.Command{
		Opcode: nvme.AdminCreateIOSQ,
		CDW10:  (queueEntries-1)<<16 | queueID,
		CDW11:  (queueID+1)<<16 | 1,
	}
	if _, err := s.Admin(create, nil, nvme.StatusCQInvalid); err != nil {
		return err
	}

	sq, err := h.pair()
	if err != nil {
		return err
	}
	if _, err := s.ReleaseCQ(sq.CQ); !errors.Is(err, core.ErrProtocolViolation) {
		return fmt.Errorf("completion queue released while serving queue %d: %v", sq.ID, err)
	}
	del := nvme.Command{Opcode: nvme.AdminDeleteIOCQ, CDW10: queueID}
	if _, err := s.Admin(del, nil, nvme.StatusInvalidQueueDeletion); err != nil {
		return err
	}
	d, err := s.DeleteSQ(sq)
	if err != nil {
		return err
	}
	flush := &drive.Submission{Command: nvme.Command{Opcode: nvme.CmdFlush, NSID: 1}}
	if _, err := s.Submit(sq, flush); !errors.Is(err, core.ErrProtocolViolation) {
		return fmt.Errorf("submission to a deleted queue: %v", err)
	}
	if err := s.DeleteCQ(d); err != nil {
		return err
	}
	if st := sq.CQ.State(); st != core.QueueAbsent {
		return fmt.Errorf("deleted completion queue is %s", st)
	}
	return nil
}

func caseQueueFull(h *harness, sq *core.SubmissionQueueInfo) error {
	if len(h.ns) == 0 {
		return skipf("no namespace")
	}
	ns := h.ns[0]
	var subs []*drive.Submission
	for i := 0; i < sq.Entries; i++ {
		b, err := h.s.Build(ns, &core.Request{Kind: core.OpFlush})
		if err != nil {
			return err
		}
		subs = append(subs, b...)
	}
	if _, err := h.s.Submit(sq, subs...); !errors.Is(err, core.ErrProtocolViolation) {
		return fmt.Errorf("%d commands on a queue of %d entries: %v", len(subs), sq.Entries, err)
	}
	if _, err := h.s.Submit(sq, subs[1:]...); err != nil {
		return err
	}
	if err := h.s.RingDoorbell(sq); err != nil {
		return err
	}
	_, err := h.s.Reap(sq.CQ, len(subs)-1, nvme.StatusSuccess, h.timeout)
	return err
}

func caseReadWrite(h *harness, sq *core.SubmissionQueueInfo) error {
	ns := h.namespace(plain)
	if ns == nil {
		return skipf("no namespace without protection information")
	}
	const nlb = 8
	bs := ns.PI.BlockSize()
	data := pattern(nlb*bs, 1)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWrite, SLBA: testSLBA, NLB: nlb, FUA: true, Data: data}, nvme.StatusSuccess); err != nil {
		return err
	}
	got := make([]byte, len(data))
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpRead, SLBA: testSLBA, NLB: nlb, Data: got}, nvme.StatusSuccess); err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("read back differs from what was written at byte %d", firstDiff(got, data))
	}
	if h.supports(nvme.ONCSVerify) {
		if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpVerify, SLBA: testSLBA, NLB: nlb}, nvme.StatusSuccess); err != nil {
			return err
		}
	}
	if !h.supports(nvme.ONCSWriteZeroes) {
		return nil
	}
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWriteZeroes, SLBA: testSLBA, NLB: 1}, nvme.StatusSuccess); err != nil {
		return err
	}
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpRead, SLBA: testSLBA, NLB: nlb, Data: got}, nvme.StatusSuccess); err != nil {
		return err
	}
	if i := firstDiff(got[:bs], make([]byte, bs)); i != bs {
		return fmt.Errorf("zeroed block holds %#02x at byte %d", got[i], i)
	}
	if !bytes.Equal(got[bs:], data[bs:]) {
		return fmt.Errorf("write zeroes changed the blocks behind its range")
	}
	return nil
}

func caseCompare(h *harness, sq *core.SubmissionQueueInfo) error {
	if !h.supports(nvme.ONCSCompare) {
		return skipf("Compare is not supported")
	}
	ns := h.namespace(plain)
	if ns == nil {
		return skipf("no namespace without protection information")
	}
	const nlb = 2
	data := pattern(nlb*ns.PI.BlockSize(), 2)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWrite, SLBA: testSLBA, NLB: nlb, Data: data}, nvme.StatusSuccess); err != nil {
		return err
	}
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpCompare, SLBA: testSLBA, NLB: nlb, Data: data}, nvme.StatusSuccess); err != nil {
		return err
	}
	other := append([]byte(nil), data...)
	other[len(other)-1] ^= 0xff
	_, err := h.issue(sq, ns, &core.Request{Kind: core.OpCompare, SLBA: testSLBA, NLB: nlb, Data: other}, nvme.StatusCompareFailure)
	return err
}

func caseFused(h *harness, sq *core.SubmissionQueueInfo) error {
	if h.ctrl.FUSES&nvme.FUSESCompareWrite == 0 {
		return skipf("fused Compare and Write is not supported")
	}
	ns := h.namespace(plain)
	if ns == nil {
		return skipf("no namespace without protection information")
	}
	bs := ns.PI.BlockSize()
	old, next := pattern(bs, 3), pattern(bs, 4)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWrite, SLBA: testSLBA, NLB: 1, Data: old}, nvme.StatusSuccess); err != nil {
		return err
	}

	req := &core.Request{Kind: core.OpFusedCompareWrite, SLBA: testSLBA, NLB: 1, CompareData: next, Data: old}
	subs, err := h.s.Build(ns, req)
	if err != nil {
		return err
	}
	cids, err := h.s.Submit(sq, subs...)
	if err != nil {
		return err
	}
	if err := h.s.RingDoorbell(sq); err != nil {
		return err
	}
	if _, err := h.s.ReapEach(sq.CQ, map[uint16]nvme.Status{
		cids[0]: nvme.StatusCompareFailure,
		cids[1]: nvme.StatusAbortedFailedFused,
	}, h.timeout); err != nil {
		return fmt.Errorf("mismatching pair: %w", err)
	}

	req.CompareData, req.Data = old, next
	if _, err := h.issue(sq, ns, req, nvme.StatusSuccess); err != nil {
		return fmt.Errorf("matching pair: %w", err)
	}
	got := make([]byte, bs)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpRead, SLBA: testSLBA, NLB: 1, Data: got}, nvme.StatusSuccess); err != nil {
		return err
	}
	if !bytes.Equal(got, next) {
		return fmt.Errorf("fused write did not land")
	}
	return nil
}

func caseCopy(h *harness, sq *core.SubmissionQueueInfo) error {
	if !h.supports(nvme.ONCSCopy) {
		return skipf("Copy is not supported")
	}
	ns := h.namespace(plain)
	if ns == nil {
		return skipf("no namespace without protection information")
	}
	bs := ns.PI.BlockSize()
	data := pattern(4*bs, 5)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWrite, SLBA: testSLBA, NLB: 4, Data: data}, nvme.StatusSuccess); err != nil {
		return err
	}
	cr := &core.CopyResource{
		Format: nvme.CopyFormat0,
		Target: testSLBA + 32,
		Ranges: []core.CopyRange{{SLBA: testSLBA + 3, NLB: 1}, {SLBA: testSLBA, NLB: 2}},
	}
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpCopy, Copy: cr}, nvme.StatusSuccess); err != nil {
		return err
	}
	got := make([]byte, cr.Blocks()*bs)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpRead, SLBA: cr.Target, NLB: cr.Blocks(), Data: got}, nvme.StatusSuccess); err != nil {
		return err
	}
	want := append(append([]byte(nil), data[3*bs:]...), data[:2*bs]...)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("copied data differs at byte %d", firstDiff(got, want))
	}
	return nil
}

func caseProtection(h *harness, sq *core.SubmissionQueueInfo) error {
	ran := 0
	for _, ns := range h.ns {
		if !protected(ns) {
			continue
		}
		if err := protectionRoundTrip(h, sq, ns); err != nil {
			return fmt.Errorf("%v: %w", ns, err)
		}
		ran++
	}
	if ran == 0 {
		return skipf("no namespace with protection information")
	}
	return nil
}

func protectionRoundTrip(h *harness, sq *core.SubmissionQueueInfo, ns *core.Namespace) error {
	const nlb = 2
	p := ns.PI
	buffers := func() ([]byte, []byte) {
		data := make([]byte, nlb*p.BlockSize())
		if p.Format().Extended {
			return data, nil
		}
		return data, make([]byte, nlb*p.MetaSize())
	}
	seed := pi.Seed{RefTag: testSLBA, StorageTag: 0x77 & p.StorageTagMask(), AppTag: 0xbeef, AppMask: 0xffff}
	req := func(kind core.OpKind, chk pi.Check, data, meta []byte) *core.Request {
		return &core.Request{
			Kind: kind, SLBA: testSLBA, NLB: nlb, Check: chk,
			AppTag: seed.AppTag, AppMask: seed.AppMask, RefTag: seed.RefTag, StorageTag: seed.StorageTag,
			Data: data, Metadata: meta,
		}
	}

	data, meta := buffers()
	copy(data, pattern(len(data), 6))
	if err := p.Generate(data, meta, testSLBA, nlb, seed); err != nil {
		return err
	}
	if _, err := h.issue(sq, ns, req(core.OpWrite, pi.CheckAll, data, meta), nvme.StatusSuccess); err != nil {
		return fmt.Errorf("checked write: %w", err)
	}

	rdata, rmeta := buffers()
	if _, err := h.issue(sq, ns, req(core.OpRead, pi.CheckAll, rdata, rmeta), nvme.StatusSuccess); err != nil {
		return fmt.Errorf("checked read: %w", err)
	}
	if err := p.Verify(rdata, rmeta, testSLBA, nlb, seed, pi.CheckAll); err != nil {
		return fmt.Errorf("read back: %w", err)
	}

	r := req(core.OpRead, pi.CheckApp, rdata, rmeta)
	r.AppTag = ^seed.AppTag
	if _, err := h.issue(sq, ns, r, nvme.StatusAppTagCheckError); err != nil {
		return fmt.Errorf("read with a wrong application tag: %w", err)
	}

	data[0] ^= 0xff
	if _, err := h.issue(sq, ns, req(core.OpWrite, pi.CheckGuard, data, meta), nvme.StatusGuardCheckError); err != nil {
		return fmt.Errorf("write with a bad guard: %w", err)
	}
	return nil
}

func caseZoneAppend(h *harness, sq *core.SubmissionQueueInfo) error {
	ns := h.namespace(zoned)
	if ns == nil {
		return skipf("no zoned namespace")
	}
	start := ns.ZoneSize
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpZoneMgmtSend, SLBA: start, ZoneAction: nvme.ZoneActionReset}, nvme.StatusSuccess); err != nil {
		return err
	}
	const nlb = 3
	bs := ns.PI.BlockSize()
	for i := uint64(0); i < 2; i++ {
		res, err := h.issue(sq, ns, &core.Request{Kind: core.OpZoneAppend, SLBA: start, NLB: nlb, Data: pattern(nlb*bs, byte(i))}, nvme.StatusSuccess)
		if err != nil {
			return err
		}
		if got, want := core.AppendedLBA(res[0]), start+i*nlb; got != want {
			return fmt.Errorf("append %d landed at LBA %d, want %d", i, got, want)
		}
	}

	report := make([]byte, nvme.ZoneReportHeaderSize+nvme.ZoneDescriptorSize)
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpZoneMgmtRecv, SLBA: start, Partial: true, Data: report}, nvme.StatusSuccess); err != nil {
		return err
	}
	zones, err := nvme.ParseZoneReport(report)
	if err != nil {
		return err
	}
	if len(zones) != 1 || zones[0].Start != start || zones[0].WP != start+2*nlb {
		return fmt.Errorf("zone report %+v", zones)
	}
	_, err = h.issue(sq, ns, &core.Request{Kind: core.OpZoneMgmtSend, SLBA: start, ZoneAction: nvme.ZoneActionReset}, nvme.StatusSuccess)
	return err
}

func caseReapTimeout(h *harness, sq *core.SubmissionQueueInfo) error {
	if len(h.ns) == 0 {
		return skipf("no namespace")
	}
	h.sim.DropCompletions(sq.ID, 1)
	var subs []*drive.Submission
	for i := 0; i < 3; i++ {
		b, err := h.s.Build(h.ns[0], &core.Request{Kind: core.OpFlush})
		if err != nil {
			return err
		}
		subs = append(subs, b...)
	}
	if _, err := h.s.Submit(sq, subs...); err != nil {
		return err
	}
	if err := h.s.RingDoorbell(sq); err != nil {
		return err
	}
	_, err := h.s.Reap(sq.CQ, 3, nvme.StatusSuccess, 50*time.Millisecond)
	var te *core.TimeoutError
	if !errors.As(err, &te) {
		return fmt.Errorf("reap with a lost completion: %v", err)
	}
	if te.Got != 2 || len(te.Partial) != 2 || sq.InFlight() != 1 {
		return fmt.Errorf("reaped %d of %d with %d in flight", te.Got, te.Want, sq.InFlight())
	}
	return nil
}

func caseStatusMismatch(h *harness, sq *core.SubmissionQueueInfo) error {
	if len(h.ns) == 0 {
		return skipf("no namespace")
	}
	h.sim.FailNext(sq.ID, nvme.StatusInternalError)
	_, err := h.issue(sq, h.ns[0], &core.Request{Kind: core.OpFlush}, nvme.StatusSuccess)
	var me *core.StatusMismatchError
	if !errors.As(err, &me) || me.Actual != nvme.StatusInternalError || me.Expected != nvme.StatusSuccess {
		return fmt.Errorf("injected status reported as %v", err)
	}
	return nil
}

func caseFormat(h *harness, sq *core.SubmissionQueueInfo) error {
	idx := -1
	for i, ns := range h.ns {
		if protected(ns) && len(ns.Identify.Formats) > 1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return skipf("no protected namespace with a second format")
	}
	old := h.ns[idx]
	plainFmt := -1
	for i, f := range old.Identify.Formats {
		if f.MetaSize == 0 {
			plainFmt = i
			break
		}
	}
	if plainFmt < 0 {
		return skipf("%v has no format without metadata", old)
	}

	ns, err := h.s.Format(old, core.FormatSpec{LBAF: plainFmt})
	if err != nil {
		return err
	}
	h.ns[idx] = ns
	if ns.PI.Enabled() {
		return fmt.Errorf("%v still carries protection information", ns)
	}
	if _, err := h.s.Build(old, &core.Request{Kind: core.OpFlush}); !errors.Is(err, core.ErrProtocolViolation) {
		return fmt.Errorf("command built for a namespace identified before the format: %v", err)
	}
	if _, err := h.issue(sq, ns, &core.Request{Kind: core.OpWrite, NLB: 1, Data: pattern(ns.PI.BlockSize(), 7)}, nvme.StatusSuccess); err != nil {
		return err
	}

	ns, err = h.s.Format(ns, core.FormatSpec{LBAF: old.Identify.FormatIndex, PIType: old.PI.Type(), PIFirst: old.PI.Format().First, Extended: old.PI.Format().Extended})
	if err != nil {
		return err
	}
	h.ns[idx] = ns
	if ns.PI.Type() != old.PI.Type() {
		return fmt.Errorf("%v formatted back without protection %v", ns, old.PI.Type())
	}
	return nil
}
