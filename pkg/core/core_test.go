package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive/sim"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

const shortTimeout = 50 * time.Millisecond

var (
	plainNS = sim.NamespaceConfig{Blocks: 128}
	difNS   = sim.NamespaceConfig{
		Blocks:      128,
		Formats:     []nvme.LBAFormat{{DataShift: 9}, {DataShift: 9, MetaSize: 8}},
		FormatIndex: 1,
		PIType:      pi.Type1,
	}
	wideNS = sim.NamespaceConfig{
		Blocks:  32,
		Formats: []nvme.LBAFormat{{DataShift: 12, MetaSize: 16, PIF: 2, STS: 16}},
		PIType:  pi.Type2,
	}
	zonedNS = sim.NamespaceConfig{Blocks: 64, ZoneSize: 16}
)

func newSession(t *testing.T, cfg sim.Config) (*Session, *sim.Controller) {
	t.Helper()
	c, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	return NewSession(c, WithTimeout(time.Second)), c
}

func newPair(t *testing.T, s *Session, id uint16, entries int) *SubmissionQueueInfo {
	t.Helper()
	sq, _, err := s.CreatePair(
		SQSpec{ID: id, Entries: entries, Contiguous: true},
		CQSpec{ID: id, Entries: entries, Contiguous: true, Interrupt: Interrupt{Enabled: true, Vector: id}},
	)
	if err != nil {
		t.Fatalf("CreatePair(%d): %v", id, err)
	}
	return sq
}

func identify(t *testing.T, s *Session, nsid uint32) *Namespace {
	t.Helper()
	ns, err := s.IdentifyNamespace(nsid)
	if err != nil {
		t.Fatalf("IdentifyNamespace(%d): %v", nsid, err)
	}
	return ns
}

func blocks(n, size int, seed byte) []byte {
	b := make([]byte, n*size)
	for i := range b {
		b[i] = seed ^ byte(i) ^ byte(i>>9)
	}
	return b
}

func TestQueueBytes(t *testing.T) {
	if got := QueueBytes(64, nvme.SQEntryShift); got != 4096 {
		t.Errorf("64 submission entries: %d bytes", got)
	}
	if got := QueueBytes(256, nvme.CQEntryShift); got != 4096 {
		t.Errorf("256 completion entries: %d bytes", got)
	}
}

func TestQueueLifecycle(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})

	if _, err := s.CreateSQ(SQSpec{ID: 1, Entries: 8, Contiguous: true}, &CompletionQueueInfo{ID: 1}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("sq before its cq: %v", err)
	}
	cq, err := s.CreateCQ(CQSpec{ID: 1, Entries: 8, Contiguous: true})
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	if _, err := s.CreateCQ(CQSpec{ID: 1, Entries: 8, Contiguous: true}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("cq created twice: %v", err)
	}
	sq, err := s.CreateSQ(SQSpec{ID: 1, Entries: 8, Contiguous: true}, cq)
	if err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}
	if sq.State() != QueueReady || cq.State() != QueueReady {
		t.Errorf("states %v/%v after creation", sq.State(), cq.State())
	}
	if _, err := s.ReleaseCQ(cq); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("cq released while serving a sq: %v", err)
	}

	ns := identify(t, s, 1)
	subs, err := s.Build(ns, &Request{Kind: OpFlush})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(sq, subs...); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteSQ(sq); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("sq deleted with a command in flight: %v", err)
	}
	if err := s.RingDoorbell(sq); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Drain(sq, time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	d, err := s.DeleteSQ(sq)
	if err != nil {
		t.Fatalf("DeleteSQ: %v", err)
	}
	if d.Queue() != cq {
		t.Errorf("deletion handle for cq %d", d.Queue().ID)
	}
	if err := s.DeleteCQ(d); err != nil {
		t.Fatalf("DeleteCQ: %v", err)
	}
	if err := s.DeleteCQ(d); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("cq deleted twice: %v", err)
	}
	if sq.State() != QueueAbsent || cq.State() != QueueAbsent {
		t.Errorf("states %v/%v after deletion", sq.State(), cq.State())
	}
	if _, err := s.Submit(sq, subs...); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("submission to a deleted queue: %v", err)
	}
}

func TestCreatePairLeavesCQ(t *testing.T) {
	s, _ := newSession(t, sim.Config{MaxQID: 4})
	// The controller refuses submission queue 5.
	sq, cq, err := s.CreatePair(SQSpec{ID: 5, Entries: 8, Contiguous: true}, CQSpec{ID: 2, Entries: 8, Contiguous: true})
	var se *StatusMismatchError
	if !errors.As(err, &se) || se.Actual != nvme.StatusInvalidQID {
		t.Fatalf("CreatePair: %v", err)
	}
	if sq != nil || cq == nil || cq.State() != QueueReady {
		t.Fatalf("expected the cq alone to survive, got sq %v cq %v", sq, cq)
	}
	d, err := s.ReleaseCQ(cq)
	if err != nil {
		t.Fatalf("ReleaseCQ: %v", err)
	}
	if err := s.DeleteCQ(d); err != nil {
		t.Fatalf("DeleteCQ: %v", err)
	}
}

func TestControllerQueueChecks(t *testing.T) {
	s, _ := newSession(t, sim.Config{})
	testCases := []struct {
		name string
		cmd  nvme.Command
		want nvme.Status
	}{
		{"sq on missing cq", nvme.Command{Opcode: nvme.AdminCreateIOSQ, CDW10: 7<<16 | 1, CDW11: 3<<16 | 1}, nvme.StatusCQInvalid},
		{"cq id 0", nvme.Command{Opcode: nvme.AdminCreateIOCQ, CDW10: 7 << 16, CDW11: 1}, nvme.StatusInvalidQID},
		{"delete missing sq", nvme.Command{Opcode: nvme.AdminDeleteIOSQ, CDW10: 3}, nvme.StatusInvalidQID},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Admin(tc.cmd, nil, tc.want); err != nil {
				t.Errorf("Admin: %v", err)
			}
		})
	}
}

func TestDiscontiguousQueue(t *testing.T) {
	s, _ := newSession(t, sim.Config{})
	_, err := s.CreateCQ(CQSpec{ID: 1, Entries: 16, Buffer: make([]byte, 255)})
	var be *BoundsError
	if !errors.As(err, &be) || be.Need != 256 || be.Capacity != 255 {
		t.Fatalf("short cq buffer: %v", err)
	}
	cq, err := s.CreateCQ(CQSpec{ID: 1, Entries: 16, Buffer: make([]byte, QueueBytes(16, nvme.CQEntryShift))})
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	if _, err := s.CreateSQ(SQSpec{ID: 1, Entries: 16, Buffer: make([]byte, QueueBytes(16, nvme.SQEntryShift))}, cq); err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}
	if _, err := s.CreateCQ(CQSpec{ID: 2, Entries: 0, Contiguous: true}); !errors.Is(err, ErrConfig) {
		t.Errorf("empty cq: %v", err)
	}
}

func TestBuildEncoding(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS, difNS, wideNS}})
	plain, dif, wide := identify(t, s, 1), identify(t, s, 2), identify(t, s, 3)

	testCases := []struct {
		name  string
		ns    *Namespace
		req   Request
		cdw12 uint32
		cdw2  uint32
		cdw3  uint32
		cdw14 uint32
		cdw15 uint32
	}{
		{
			name:  "plain read drops checks",
			ns:    plain,
			req:   Request{Kind: OpRead, SLBA: 8, NLB: 8, Check: pi.CheckAll, Data: make([]byte, 8*512)},
			cdw12: 7,
		},
		{
			name:  "single block write",
			ns:    plain,
			req:   Request{Kind: OpWrite, NLB: 1, FUA: true, LimitedRetry: true, Data: make([]byte, 512)},
			cdw12: 0xc000 << 16,
		},
		{
			name:  "type 1 read",
			ns:    dif,
			req:   Request{Kind: OpRead, NLB: 2, Check: pi.CheckAll, AppTag: 0x1234, AppMask: 0xff00, RefTag: 0x55, Data: make([]byte, 1024)},
			cdw12: 1 | 0x1c00<<16,
			cdw14: 0x55,
			cdw15: 0xff00<<16 | 0x1234,
		},
		{
			name:  "pract write",
			ns:    dif,
			req:   Request{Kind: OpWrite, NLB: 1, PRACT: true, Check: pi.CheckGuard, Data: make([]byte, 512)},
			cdw12: 0x3000 << 16,
		},
		{
			name:  "64b guard with storage tag",
			ns:    wide,
			req:   Request{Kind: OpVerify, NLB: 4, Check: pi.CheckAll, RefTag: 0xdeadbeef, StorageTag: 0xabcd},
			cdw12: 3 | 0x1d00<<16,
			cdw3:  0xabcd,
			cdw14: 0xdeadbeef,
		},
		{
			name:  "raw tags",
			ns:    wide,
			req:   Request{Kind: OpVerify, NLB: 1, RawTags: &pi.Tags{Lo: 1, Mid: 2, Hi: 3}},
			cdw2:  3,
			cdw3:  2,
			cdw14: 1,
		},
		{
			name:  "deallocating write zeroes",
			ns:    plain,
			req:   Request{Kind: OpWriteZeroes, NLB: 65536, Deallocate: true, Data: []byte{1}},
			cdw12: 0xffff | 1<<25,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			subs, err := s.Build(tc.ns, &tc.req)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if len(subs) != 1 {
				t.Fatalf("%d submissions", len(subs))
			}
			c := subs[0].Command
			if c.NSID != tc.ns.ID || c.SLBA() != tc.req.SLBA {
				t.Errorf("nsid %d slba %d", c.NSID, c.SLBA())
			}
			if c.CDW12 != tc.cdw12 {
				t.Errorf("cdw12 %#x, want %#x", c.CDW12, tc.cdw12)
			}
			if c.CDW2 != tc.cdw2 || c.CDW3 != tc.cdw3 || c.CDW14 != tc.cdw14 {
				t.Errorf("tags %#x %#x %#x, want %#x %#x %#x", c.CDW2, c.CDW3, c.CDW14, tc.cdw2, tc.cdw3, tc.cdw14)
			}
			if c.CDW15 != tc.cdw15 {
				t.Errorf("cdw15 %#x, want %#x", c.CDW15, tc.cdw15)
			}
			if tc.req.Kind == OpWriteZeroes && subs[0].Data != nil {
				t.Errorf("write zeroes carries data")
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{difNS}})
	ns := identify(t, s, 1)

	_, err := s.Build(ns, &Request{Kind: OpWrite, NLB: 2, Data: make([]byte, 1023)})
	var be *BoundsError
	if !errors.As(err, &be) || be.Need != 1024 || be.Capacity != 1023 {
		t.Errorf("short data: %v", err)
	}
	if !errors.Is(err, ErrBounds) {
		t.Errorf("%v is not ErrBounds", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpWrite, NLB: 2, Data: make([]byte, 1024), Metadata: make([]byte, 15)}); !errors.Is(err, ErrBounds) {
		t.Errorf("short metadata: %v", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpRead, NLB: 0}); !errors.Is(err, ErrConfig) {
		t.Errorf("zero blocks: %v", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpRead, NLB: 1<<16 + 1, Data: make([]byte, (1<<16+1)*512)}); !errors.Is(err, ErrConfig) {
		t.Errorf("too many blocks: %v", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpCopy}); !errors.Is(err, ErrConfig) {
		t.Errorf("copy without ranges: %v", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpZoneMgmtRecv, Data: make([]byte, 10)}); !errors.Is(err, ErrConfig) {
		t.Errorf("tiny report buffer: %v", err)
	}
	if _, err := s.Build(ns, &Request{Kind: OpKind(99), NLB: 1}); !errors.Is(err, ErrConfig) {
		t.Errorf("unknown kind: %v", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)

	data := blocks(4, 512, 7)
	if _, err := s.Issue(sq, ns, &Request{Kind: OpWrite, SLBA: 20, NLB: 4, Data: data}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(data))
	if _, err := s.Issue(sq, ns, &Request{Kind: OpRead, SLBA: 20, NLB: 4, Data: got}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back differs")
	}

	_, err := s.Issue(sq, ns, &Request{Kind: OpCompare, SLBA: 21, NLB: 1, Data: data[:512]}, nvme.StatusSuccess, time.Second)
	var me *StatusMismatchError
	if !errors.As(err, &me) {
		t.Fatalf("compare of different data: %v", err)
	}
	if me.Expected != nvme.StatusSuccess || me.Actual != nvme.StatusCompareFailure || me.SQID != 1 {
		t.Errorf("mismatch %+v", me)
	}
	if sq.InFlight() != 0 {
		t.Errorf("%d commands left in flight", sq.InFlight())
	}
}

func TestProtectionRoundTrip(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{difNS, wideNS}})
	sq := newPair(t, s, 1, 16)
	for _, nsid := range []uint32{1, 2} {
		ns := identify(t, s, nsid)
		bs := ns.PI.BlockSize()
		w := &Request{Kind: OpWrite, SLBA: 4, NLB: 2, PRACT: true, AppTag: 0xbeef, RefTag: 0x100, StorageTag: 0x77, Data: blocks(2, bs, 1)}
		if _, err := s.Issue(sq, ns, w, nvme.StatusSuccess, time.Second); err != nil {
			t.Fatalf("ns %d: write: %v", nsid, err)
		}
		r := &Request{Kind: OpRead, SLBA: 4, NLB: 2, Check: pi.CheckAll, AppTag: 0xbeef, AppMask: 0xffff, RefTag: 0x100, StorageTag: 0x77,
			Data: make([]byte, 2*bs), Metadata: make([]byte, 2*ns.PI.MetaSize())}
		if _, err := s.Issue(sq, ns, r, nvme.StatusSuccess, time.Second); err != nil {
			t.Fatalf("ns %d: checked read: %v", nsid, err)
		}
		seed := pi.Seed{RefTag: 0x100, StorageTag: 0x77, AppTag: 0xbeef, AppMask: 0xffff}
		if err := ns.PI.Verify(r.Data, r.Metadata, 4, 2, seed, pi.CheckAll); err != nil {
			t.Errorf("ns %d: %v", nsid, err)
		}

		r.AppTag = 0xbeee
		if _, err := s.Issue(sq, ns, r, nvme.StatusAppTagCheckError, time.Second); err != nil {
			t.Errorf("ns %d: read with a wrong application tag: %v", nsid, err)
		}
	}
}

func TestFusedCompareWrite(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}, ReverseFused: reverse})
		sq := newPair(t, s, 1, 16)
		ns := identify(t, s, 1)
		old, next := blocks(1, 512, 1), blocks(1, 512, 2)
		if _, err := s.Issue(sq, ns, &Request{Kind: OpWrite, NLB: 1, Data: old}, nvme.StatusSuccess, time.Second); err != nil {
			t.Fatal(err)
		}

		req := &Request{Kind: OpFusedCompareWrite, NLB: 1, CompareData: next, Data: old}
		subs, err := s.Build(ns, req)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if len(subs) != 2 || subs[0].Command.Opcode != nvme.CmdCompare || subs[0].Command.Fuse() != nvme.FuseFirst ||
			subs[1].Command.Opcode != nvme.CmdWrite || subs[1].Command.Fuse() != nvme.FuseSecond {
			t.Fatalf("fused pair encoded as %v", subs)
		}
		cids, err := s.Submit(sq, subs...)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.RingDoorbell(sq); err != nil {
			t.Fatal(err)
		}
		res, err := s.ReapEach(sq.CQ, map[uint16]nvme.Status{
			cids[0]: nvme.StatusCompareFailure,
			cids[1]: nvme.StatusAbortedFailedFused,
		}, time.Second)
		if err != nil {
			t.Fatalf("reverse %v: ReapEach: %v", reverse, err)
		}
		if c, ok := FindCompletion(res, cids[1]); !ok || c.Status() != nvme.StatusAbortedFailedFused {
			t.Errorf("reverse %v: write completion %v %v", reverse, c, ok)
		}
		if _, ok := FindCompletion(res, 0xffff); ok {
			t.Errorf("found a completion that does not exist")
		}

		req.CompareData = old
		req.Data = next
		if _, err := s.Issue(sq, ns, req, nvme.StatusSuccess, time.Second); err != nil {
			t.Errorf("reverse %v: matching fused pair: %v", reverse, err)
		}
	}
}

func TestReapTimeout(t *testing.T) {
	s, c := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)

	c.DropCompletions(1, 1)
	var subs []*drive.Submission
	for i := 0; i < 3; i++ {
		b, err := s.Build(ns, &Request{Kind: OpFlush})
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, b...)
	}
	if _, err := s.Submit(sq, subs...); err != nil {
		t.Fatal(err)
	}
	if err := s.RingDoorbell(sq); err != nil {
		t.Fatal(err)
	}
	res, err := s.Reap(sq.CQ, 3, nvme.StatusSuccess, shortTimeout)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Reap: %v", err)
	}
	if !errors.Is(err, ErrTimedOut) || te.Want != 3 || te.Got != 2 || len(te.Partial) != 2 || len(res) != 2 {
		t.Errorf("timeout %+v, %d returned", te, len(res))
	}
	if sq.InFlight() != 1 {
		t.Errorf("%d in flight, want 1", sq.InFlight())
	}
	if _, err := s.DeleteSQ(sq); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("delete with an unanswered command: %v", err)
	}
	if n := s.Forget(1); n != 1 {
		t.Errorf("forgot %d commands", n)
	}
	if err := s.DeletePair(sq); err != nil {
		t.Errorf("DeletePair: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 4)
	ns := identify(t, s, 1)
	var subs []*drive.Submission
	for i := 0; i < 4; i++ {
		b, _ := s.Build(ns, &Request{Kind: OpFlush})
		subs = append(subs, b...)
	}
	if _, err := s.Submit(sq, subs...); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("4 commands on a 4 entry queue: %v", err)
	}
	if _, err := s.Submit(sq, subs[:3]...); err != nil {
		t.Errorf("3 commands on a 4 entry queue: %v", err)
	}
}

func TestUnknownCompletion(t *testing.T) {
	s, c := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)

	// A command the session never saw.
	if _, err := c.Submit(1, &drive.Submission{Command: nvme.Command{Opcode: nvme.CmdFlush, NSID: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := c.RingDoorbell(1); err != nil {
		t.Fatal(err)
	}
	_, err := s.Reap(sq.CQ, 1, nvme.StatusSuccess, time.Second)
	var pe *ProtocolError
	if !errors.As(err, &pe) || !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("completion of an unknown command: %v", err)
	}
	if _, err := s.Reap(&CompletionQueueInfo{ID: 9}, 1, nvme.StatusSuccess, shortTimeout); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("reap of an unknown queue: %v", err)
	}
}

func TestUnknownCompletionKeepsBatch(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)
	flush := func() *drive.Submission {
		b, err := s.Build(ns, &Request{Kind: OpFlush})
		if err != nil {
			t.Fatal(err)
		}
		return b[0]
	}

	if _, err := s.Submit(sq, flush()); err != nil {
		t.Fatal(err)
	}
	s.Forget(1)
	cids, err := s.Submit(sq, flush())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RingDoorbell(sq); err != nil {
		t.Fatal(err)
	}
	res, err := s.Reap(sq.CQ, 2, nvme.StatusSuccess, time.Second)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("batch with a forgotten command: %v", err)
	}
	if _, ok := FindCompletion(res, cids[0]); !ok || len(res) != 1 {
		t.Errorf("reaped %v, want cid %d only", res, cids[0])
	}
	if sq.InFlight() != 0 {
		t.Errorf("%d in flight after the batch", sq.InFlight())
	}
	if err := s.DeletePair(sq); err != nil {
		t.Errorf("DeletePair: %v", err)
	}
}

func TestReapZeroTimeout(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)
	b, err := s.Build(ns, &Request{Kind: OpFlush})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(sq, b...); err != nil {
		t.Fatal(err)
	}
	if err := s.RingDoorbell(sq); err != nil {
		t.Fatal(err)
	}
	if res, err := s.Reap(sq.CQ, 1, nvme.StatusSuccess, 0); err != nil || len(res) != 1 {
		t.Errorf("posted completion with no wait: %d reaped, %v", len(res), err)
	}
	if _, err := s.Reap(sq.CQ, 1, nvme.StatusSuccess, 0); !errors.Is(err, ErrTimedOut) {
		t.Errorf("empty queue with no wait: %v", err)
	}
}

func TestDrainSharedCompletionQueue(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq1 := newPair(t, s, 1, 16)
	sq2, err := s.CreateSQ(SQSpec{ID: 2, Entries: 16, Contiguous: true}, sq1.CQ)
	if err != nil {
		t.Fatalf("CreateSQ(2): %v", err)
	}
	ns := identify(t, s, 1)

	for _, q := range []*SubmissionQueueInfo{sq2, sq1} {
		b, err := s.Build(ns, &Request{Kind: OpFlush})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Submit(q, b...); err != nil {
			t.Fatal(err)
		}
		if err := s.RingDoorbell(q); err != nil {
			t.Fatal(err)
		}
	}

	res, err := s.Drain(sq1, time.Second)
	if err != nil {
		t.Fatalf("Drain(1): %v", err)
	}
	if len(res) != 2 {
		t.Errorf("drain returned %d completions, want both queues' 2", len(res))
	}
	if sq1.InFlight() != 0 || sq2.InFlight() != 0 {
		t.Errorf("in flight after drain: sq1 %d, sq2 %d", sq1.InFlight(), sq2.InFlight())
	}
	if _, err := s.DeleteSQ(sq1); err != nil {
		t.Errorf("DeleteSQ(1) after drain: %v", err)
	}
}

func TestInjectedStatus(t *testing.T) {
	s, c := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)
	c.FailNext(1, nvme.StatusNamespaceNotReady)
	_, err := s.Issue(sq, ns, &Request{Kind: OpFlush}, nvme.StatusSuccess, time.Second)
	var me *StatusMismatchError
	if !errors.As(err, &me) || me.Actual != nvme.StatusNamespaceNotReady {
		t.Errorf("injected failure: %v", err)
	}
	if !errors.Is(err, ErrStatusMismatch) {
		t.Errorf("%v is not ErrStatusMismatch", err)
	}
}

func TestTransportError(t *testing.T) {
	s, c := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := s.IdentifyController()
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "submit" || te.QID != 0 {
		t.Fatalf("identify on a closed transport: %v", err)
	}
	if !errors.Is(err, ErrTransport) || !errors.Is(err, drive.ErrClosed) {
		t.Errorf("%v does not wrap the transport error", err)
	}
}

func TestIdentify(t *testing.T) {
	s, _ := newSession(t, sim.Config{Model: "test model", Namespaces: []sim.NamespaceConfig{plainNS, wideNS, zonedNS}})
	id, err := s.IdentifyController()
	if err != nil {
		t.Fatal(err)
	}
	if id.ModelNumber != "test model" || id.NN != 3 {
		t.Errorf("identify controller %+v", id)
	}
	ids, err := s.ActiveNamespaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("active namespaces %v", ids)
	}

	wide := identify(t, s, 2)
	if wide.PI.Guard() != pi.Guard64 || wide.PI.STS() != 16 || wide.PI.RTS() != 32 || wide.PI.Type() != pi.Type2 {
		t.Errorf("wide namespace protection %v", wide.PI)
	}
	if wide.Blocks != 32 || wide.Format.DataSize() != 4096 || wide.Zoned() {
		t.Errorf("wide namespace %v", wide)
	}
	zoned := identify(t, s, 3)
	if zoned.ZoneSize != 16 || zoned.PI.Enabled() {
		t.Errorf("zoned namespace %v zone size %d", zoned, zoned.ZoneSize)
	}
}

func TestFormatStaleNamespace(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{difNS}})
	old := identify(t, s, 1)
	if !old.PI.Enabled() {
		t.Fatalf("namespace without protection")
	}
	fresh, err := s.Format(old, FormatSpec{LBAF: 0})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if fresh.PI.Enabled() || fresh.Format.MetaSize != 0 {
		t.Errorf("reformatted namespace %v", fresh)
	}
	if _, err := s.Build(old, &Request{Kind: OpFlush}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("build from a stale namespace: %v", err)
	}
	if _, err := s.Format(old, FormatSpec{LBAF: 1}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("format of a stale namespace: %v", err)
	}
	if _, err := s.Build(fresh, &Request{Kind: OpFlush}); err != nil {
		t.Errorf("build from the fresh namespace: %v", err)
	}
	if _, err := s.Format(fresh, FormatSpec{LBAF: 4}); !errors.Is(err, ErrConfig) {
		t.Errorf("missing format: %v", err)
	}

	again, err := s.Format(fresh, FormatSpec{LBAF: 1, PIType: pi.Type3, PIFirst: true})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if again.PI.Type() != pi.Type3 || !again.PI.Format().First {
		t.Errorf("reformatted namespace %v", again)
	}
}

func TestCopyDescriptors(t *testing.T) {
	testCases := []struct {
		name string
		res  CopyResource
		p    *pi.Context
		want string
	}{
		{
			name: "format 0",
			res: CopyResource{Format: nvme.CopyFormat0, Ranges: []CopyRange{
				{SLBA: 0x1122, NLB: 4, RefTag: 0xaabbccdd, AppTag: 0x5566, AppMask: 0xffff},
			}},
			want: "0000000000000000" + "2211000000000000" + "0300" + "0000" + "00000000" +
				"ddccbbaa" + "6655" + "ffff",
		},
		{
			name: "format 1",
			res: CopyResource{Format: nvme.CopyFormat1, Ranges: []CopyRange{
				{SLBA: 8, NLB: 1, RefTag: 0x01020304, StorageTag: 0x0a0b, AppTag: 0x7, AppMask: 0xf},
			}},
			p: func() *pi.Context {
				c, err := pi.NewContext(pi.Format{Guard: pi.Guard64, STS: 16, Type: pi.Type1, LBADataSize: 4096, MetaSize: 16})
				if err != nil {
					t.Fatal(err)
				}
				return c
			}(),
			want: "0000000000000000" + "0800000000000000" + "0000" + "00000000" +
				"04030201" + "0b0a0000" + "0000" + "0700" + "0f00" + "00000000",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.res.Descriptors(tc.p)
			if err != nil {
				t.Fatal(err)
			}
			if h := hex.EncodeToString(got); h != tc.want {
				t.Errorf("descriptors\n got %s\nwant %s", h, tc.want)
			}
		})
	}

	bad := []CopyResource{
		{Format: 2, Ranges: []CopyRange{{NLB: 1}}},
		{Format: nvme.CopyFormat0},
		{Format: nvme.CopyFormat0, Ranges: []CopyRange{{NLB: 0}}},
		{Format: nvme.CopyFormat0, Ranges: make([]CopyRange, MaxCopyRanges+1)},
	}
	for i, r := range bad {
		if _, err := r.Descriptors(nil); !errors.Is(err, ErrConfig) {
			t.Errorf("resource %d: %v", i, err)
		}
	}
}

func TestCopy(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)
	data := blocks(4, 512, 3)
	if _, err := s.Issue(sq, ns, &Request{Kind: OpWrite, NLB: 4, Data: data}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatal(err)
	}
	cr := &CopyResource{Format: nvme.CopyFormat0, Target: 64, Ranges: []CopyRange{{SLBA: 3, NLB: 1}, {SLBA: 0, NLB: 2}}}
	subs, err := s.Build(ns, &Request{Kind: OpCopy, Copy: cr})
	if err != nil {
		t.Fatal(err)
	}
	if c := subs[0].Command; c.CDW12&0xfff != 1 || c.SLBA() != 64 || len(subs[0].Data) != 64 {
		t.Errorf("copy encoded as cdw12 %#x slba %d with %d descriptor bytes", c.CDW12, c.SLBA(), len(subs[0].Data))
	}
	if _, err := s.Issue(sq, ns, &Request{Kind: OpCopy, Copy: cr}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got := make([]byte, cr.Blocks()*512)
	if _, err := s.Issue(sq, ns, &Request{Kind: OpRead, SLBA: 64, NLB: cr.Blocks(), Data: got}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), data[3*512:]...), data[:2*512]...)
	if !bytes.Equal(got, want) {
		t.Errorf("copied data differs")
	}
}

func TestZoneAppend(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{zonedNS}})
	sq := newPair(t, s, 1, 16)
	ns := identify(t, s, 1)
	for i, want := range []uint64{16, 19} {
		res, err := s.Issue(sq, ns, &Request{Kind: OpZoneAppend, SLBA: 16, NLB: 3, Data: blocks(3, 512, byte(i))}, nvme.StatusSuccess, time.Second)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if got := AppendedLBA(res[0]); got != want {
			t.Errorf("append %d landed at %d, want %d", i, got, want)
		}
	}

	report := make([]byte, nvme.ZoneReportHeaderSize+nvme.ZoneDescriptorSize)
	if _, err := s.Issue(sq, ns, &Request{Kind: OpZoneMgmtRecv, SLBA: 16, Partial: true, Data: report}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatal(err)
	}
	zones, err := nvme.ParseZoneReport(report)
	if err != nil {
		t.Fatal(err)
	}
	if len(zones) != 1 || zones[0].Start != 16 || zones[0].WP != 22 || zones[0].State != nvme.ZoneImplicitOpen {
		t.Errorf("zone report %+v", zones)
	}

	if _, err := s.Issue(sq, ns, &Request{Kind: OpZoneMgmtSend, SLBA: 16, ZoneAction: nvme.ZoneActionReset}, nvme.StatusSuccess, time.Second); err != nil {
		t.Fatal(err)
	}
	res, err := s.Issue(sq, ns, &Request{Kind: OpZoneAppend, SLBA: 16, NLB: 1, Data: blocks(1, 512, 0)}, nvme.StatusSuccess, time.Second)
	if err != nil || AppendedLBA(res[0]) != 16 {
		t.Errorf("append after reset: %v", err)
	}
}

func TestCollector(t *testing.T) {
	s, _ := newSession(t, sim.Config{Namespaces: []sim.NamespaceConfig{plainNS}})
	newPair(t, s, 1, 16)
	newPair(t, s, 2, 16)
	if n := testutil.CollectAndCount(s, "nvme_harness_commands_in_flight"); n != 3 {
		t.Errorf("%d in flight series, want one per submission queue", n)
	}
	// Two admin commands per queue pair.
	if s.stats.submitted != 4 {
		t.Errorf("%d commands submitted", s.stats.submitted)
	}
}
