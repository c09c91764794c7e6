// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpCompare
	OpVerify
	OpWriteZeroes
	OpFlush
	OpCopy
	OpZoneAppend
	OpZoneMgmtSend
	OpZoneMgmtRecv
	// OpFusedCompareWrite builds a Compare fused with a Write to the same
	// range; the compare transfers CompareData, the write Data.
	OpFusedCompareWrite
)

var opNames = map[OpKind]string{
	OpRead:              "read",
	OpWrite:             "write",
	OpCompare:           "compare",
	OpVerify:            "verify",
	OpWriteZeroes:       "write zeroes",
	OpFlush:             "flush",
	OpCopy:              "copy",
	OpZoneAppend:        "zone append",
	OpZoneMgmtSend:      "zone management send",
	OpZoneMgmtRecv:      "zone management receive",
	OpFusedCompareWrite: "fused compare and write",
}

func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// PRPs replaces the data pointers of a command with raw values. Transports
// that cannot pass raw pointers refuse such a command.
type PRPs struct {
	PRP1 uint64
	PRP2 uint64
}

// Request is a command in terms of what it does rather than how it is
// encoded.
type Request struct {
	Kind OpKind
	SLBA uint64
	// NLB is the number of logical blocks, 1 based.
	NLB int

	LimitedRetry bool
	FUA          bool
	PRACT        bool
	// Check selects the protection information checks. Checks the namespace
	// format cannot perform are dropped.
	Check      pi.Check
	AppTag     uint16
	AppMask    uint16
	RefTag     uint64
	StorageTag uint64
	// RawTags, when set, is placed in CDW2, CDW3 and CDW14 as is instead of
	// packing RefTag and StorageTag.
	RawTags *pi.Tags

	Data     []byte
	Metadata []byte
	// CompareData and CompareMetadata are transferred by the compare half of
	// a fused compare and write.
	CompareData     []byte
	CompareMetadata []byte
	PRP             *PRPs
	BitBuckets      []drive.BitBucket

	Copy *CopyResource

	ZoneAction uint8
	SelectAll  bool
	// Partial asks Report Zones to count only the zones that fit Data.
	Partial bool

	// Deallocate sets DEAC on Write Zeroes.
	Deallocate bool
}

// Build turns req into submission queue entries for namespace ns. Every kind
// but OpFusedCompareWrite yields a single submission. Nothing is truncated:
// a buffer too small for the transfer is a *BoundsError.
func (s *Session) Build(ns *Namespace, req *Request) ([]*drive.Submission, error) {
	if err := s.current(ns); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: no request", ErrConfig)
	}

	switch req.Kind {
	case OpFlush:
		sub := one(ns, nvme.CmdFlush, req)
		sub.Data, sub.Metadata, sub.BitBuckets = nil, nil, nil
		return []*drive.Submission{sub}, nil
	case OpZoneMgmtSend:
		sub := one(ns, nvme.CmdZoneMgmtSend, req)
		sub.Command.SetSLBA(req.SLBA)
		sub.Command.CDW13 = uint32(req.ZoneAction)
		if req.SelectAll {
			sub.Command.CDW13 |= nvme.ZoneSelectAll
		}
		sub.Data, sub.Metadata, sub.BitBuckets = nil, nil, nil
		return []*drive.Submission{sub}, nil
	case OpZoneMgmtRecv:
		if len(req.Data) < nvme.ZoneReportHeaderSize || len(req.Data)%4 != 0 {
			return nil, fmt.Errorf("%w: report zones buffer of %d bytes", ErrConfig, len(req.Data))
		}
		sub := one(ns, nvme.CmdZoneMgmtRecv, req)
		sub.Command.SetSLBA(req.SLBA)
		sub.Command.CDW12 = uint32(len(req.Data)/4 - 1)
		sub.Command.CDW13 = uint32(req.ZoneAction)
		if req.Partial {
			sub.Command.CDW13 |= 1 << 16
		}
		return []*drive.Submission{sub}, nil
	case OpCopy:
		return s.buildCopy(ns, req)
	}

	var opc uint8
	transfers := true
	switch req.Kind {
	case OpRead:
		opc = nvme.CmdRead
	case OpWrite:
		opc = nvme.CmdWrite
	case OpCompare:
		opc = nvme.CmdCompare
	case OpZoneAppend:
		opc = nvme.CmdZoneAppend
	case OpFusedCompareWrite:
		opc = nvme.CmdWrite
	case OpVerify:
		opc, transfers = nvme.CmdVerify, false
	case OpWriteZeroes:
		opc, transfers = nvme.CmdWriteZeroes, false
	default:
		return nil, fmt.Errorf("%w: unknown request kind %v", ErrConfig, req.Kind)
	}
	if req.NLB < 1 || req.NLB > 1<<16 {
		return nil, fmt.Errorf("%w: %v of %d logical blocks", ErrConfig, req.Kind, req.NLB)
	}
	if end := req.SLBA + uint64(req.NLB); end < req.SLBA {
		return nil, fmt.Errorf("%w: %v range wraps", ErrConfig, req.Kind)
	}

	sub := one(ns, opc, req)
	cmd := &sub.Command
	cmd.SetSLBA(req.SLBA)
	cmd.CDW12 = uint32(req.NLB-1) | uint32(control(ns.PI, req))<<16
	if req.Kind == OpWriteZeroes && req.Deallocate {
		cmd.CDW12 |= 1 << 25
	}
	cmd.CDW2, cmd.CDW3, cmd.CDW14 = tags(ns.PI, req)
	cmd.CDW15 = uint32(req.AppTag) | uint32(req.AppMask)<<16

	if !transfers {
		sub.Data, sub.Metadata, sub.BitBuckets = nil, nil, nil
		return []*drive.Submission{sub}, nil
	}
	if err := checkTransfer(ns, req.Kind.String(), req.NLB, req.Data, req.Metadata); err != nil {
		return nil, err
	}
	if req.Kind != OpFusedCompareWrite {
		return []*drive.Submission{sub}, nil
	}

	if err := checkTransfer(ns, "fused compare", req.NLB, req.CompareData, req.CompareMetadata); err != nil {
		return nil, err
	}
	cmp := &drive.Submission{
		Command:     *cmd,
		Data:        req.CompareData,
		Metadata:    req.CompareMetadata,
		RawPointers: sub.RawPointers,
	}
	cmp.Command.Opcode = nvme.CmdCompare
	cmp.Command.SetFuse(nvme.FuseFirst)
	cmd.SetFuse(nvme.FuseSecond)
	return []*drive.Submission{cmp, sub}, nil
}

// one starts a submission for opc on ns carrying the buffers of req.
func one(ns *Namespace, opc uint8, req *Request) *drive.Submission {
	sub := &drive.Submission{
		Command:    nvme.Command{Opcode: opc, NSID: ns.ID},
		Data:       req.Data,
		Metadata:   req.Metadata,
		BitBuckets: req.BitBuckets,
	}
	if req.PRP != nil {
		sub.Command.PRP1, sub.Command.PRP2 = req.PRP.PRP1, req.PRP.PRP2
		sub.RawPointers = true
	}
	return sub
}

// checkTransfer fails when data or meta cannot hold nlb blocks. Metadata is
// optional; when given for a separate metadata format it must be complete.
func checkTransfer(ns *Namespace, what string, nlb int, data, meta []byte) error {
	if need := nlb * ns.PI.BlockSize(); len(data) < need {
		return &BoundsError{What: what + " data", Need: need, Capacity: len(data)}
	}
	if meta == nil || ns.PI.Format().Extended {
		return nil
	}
	if need := nlb * ns.PI.MetaSize(); len(meta) < need {
		return &BoundsError{What: what + " metadata", Need: need, Capacity: len(meta)}
	}
	return nil
}

// control encodes the upper half of CDW12 of a read or write class command.
func control(p *pi.Context, req *Request) uint16 {
	var ctl uint16
	if req.LimitedRetry {
		ctl |= nvme.ControlLimitedRetry
	}
	if req.FUA {
		ctl |= nvme.ControlFUA
	}
	if req.PRACT {
		ctl |= nvme.ControlPRACT
	}
	chk := p.CheckBits(req.Check)
	if chk&pi.CheckGuard != 0 {
		ctl |= nvme.ControlPRCHKGuard
	}
	if chk&pi.CheckApp != 0 {
		ctl |= nvme.ControlPRCHKApp
	}
	if chk&pi.CheckRef != 0 {
		ctl |= nvme.ControlPRCHKRef
	}
	if chk&pi.CheckStorage != 0 {
		ctl |= nvme.ControlSTC
	}
	return ctl
}

// tags returns CDW2, CDW3 and CDW14.
func tags(p *pi.Context, req *Request) (uint32, uint32, uint32) {
	if req.RawTags != nil {
		return req.RawTags.CommandDwords()
	}
	if !p.Enabled() {
		return 0, 0, 0
	}
	return p.CommandTags(req.RefTag, req.StorageTag)
}

// buildCopy encodes a Copy command. Its protection information fields apply
// to the write of the destination range; the read side uses the per range
// fields of the descriptors.
func (s *Session) buildCopy(ns *Namespace, req *Request) ([]*drive.Submission, error) {
	cr := req.Copy
	if cr == nil {
		return nil, fmt.Errorf("%w: copy without source ranges", ErrConfig)
	}
	var p *pi.Context
	if ns.PI.Enabled() {
		p = ns.PI
	}
	desc, err := cr.Descriptors(p)
	if err != nil {
		return nil, err
	}
	sub := one(ns, nvme.CmdCopy, req)
	sub.Data, sub.Metadata, sub.BitBuckets = desc, nil, nil
	cmd := &sub.Command
	cmd.SetSLBA(cr.Target)

	ctl := control(ns.PI, req)
	prinfo := uint32(ctl>>10) & 0xf // PRACT and PRCHK, bits 13:10
	cmd.CDW12 = uint32(len(cr.Ranges)-1) | uint32(cr.Format)<<8 | prinfo<<12 | prinfo<<26
	if ctl&nvme.ControlSTC != 0 {
		cmd.CDW12 |= 1 << 24
	}
	if req.FUA {
		cmd.CDW12 |= 1 << 30
	}
	if req.LimitedRetry {
		cmd.CDW12 |= 1 << 31
	}
	cmd.CDW2, cmd.CDW3, cmd.CDW14 = tags(ns.PI, req)
	cmd.CDW15 = uint32(req.AppTag) | uint32(req.AppMask)<<16
	return []*drive.Submission{sub}, nil
}

// Issue builds req, submits it on q, rings the doorbell and reaps the
// completions, all of which must carry expected.
func (s *Session) Issue(q *SubmissionQueueInfo, ns *Namespace, req *Request, expected nvme.Status, timeout time.Duration) ([]nvme.Completion, error) {
	subs, err := s.Build(ns, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.Submit(q, subs...); err != nil {
		return nil, err
	}
	if err := s.RingDoorbell(q); err != nil {
		return nil, err
	}
	return s.Reap(q.CQ, len(subs), expected, timeout)
}

// AppendedLBA returns the first LBA a successful Zone Append wrote.
func AppendedLBA(c nvme.Completion) uint64 {
	return c.Result64()
}
