// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommandMarshal(t *testing.T) {
	c := Command{
		Opcode: CmdWrite,
		CID:    0x1234,
		NSID:   1,
		CDW2:   0xaabbccdd,
		CDW3:   0x11223344,
		PRP1:   0x1000,
		CDW10:  0x10,
		CDW12:  ControlFUA<<16 | 7,
		CDW14:  0xdeadbeef,
		CDW15:  0xffff1234,
	}
	c.SetFuse(FuseFirst)
	want, _ := hex.DecodeString("0101341201000000ddccbbaa44332211" +
		"00000000000000000010000000000000" +
		"00000000000000001000000000000000" +
		"0700004000000000efbeadde3412ffff")
	got, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalBinary() = %x; want %x", got, want)
	}

	var back Command
	if err := back.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(c, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if back.NLB() != 8 {
		t.Errorf("NLB() = %d; want 8", back.NLB())
	}
	if back.SLBA() != 0x10 {
		t.Errorf("SLBA() = %#x; want 0x10", back.SLBA())
	}
	if back.Control() != ControlFUA {
		t.Errorf("Control() = %#x; want %#x", back.Control(), ControlFUA)
	}
	if back.AppTag() != 0x1234 || back.AppMask() != 0xffff {
		t.Errorf("AppTag/AppMask = %#x/%#x", back.AppTag(), back.AppMask())
	}
}

func TestCommandFlags(t *testing.T) {
	c := Command{}
	c.SetPSDT(PSDTSGLSegment)
	c.SetFuse(FuseSecond)
	if c.Flags != 0x82 {
		t.Errorf("Flags = %#x; want 0x82", c.Flags)
	}
	c.SetFuse(FuseNone)
	if c.Fuse() != FuseNone || c.PSDT() != PSDTSGLSegment {
		t.Errorf("Fuse() = %d PSDT() = %d", c.Fuse(), c.PSDT())
	}
	c.SetSLBA(0x0123456789abcdef)
	if c.CDW10 != 0x89abcdef || c.CDW11 != 0x01234567 {
		t.Errorf("SetSLBA: cdw10=%#x cdw11=%#x", c.CDW10, c.CDW11)
	}
}

func TestShortEntry(t *testing.T) {
	var c Command
	if err := c.UnmarshalBinary(make([]byte, 63)); !errors.Is(err, ErrShortEntry) {
		t.Errorf("Command.UnmarshalBinary(63 bytes) = %v; want ErrShortEntry", err)
	}
	var cqe Completion
	if err := cqe.UnmarshalBinary(make([]byte, 15)); !errors.Is(err, ErrShortEntry) {
		t.Errorf("Completion.UnmarshalBinary(15 bytes) = %v; want ErrShortEntry", err)
	}
}

func TestCompletion(t *testing.T) {
	c := Completion{Result: 0x5a, SQHead: 7, SQID: 3, CID: 0x42, StatusField: 1}
	c.SetStatus(StatusCompareFailure)
	c.SetDNR(true)

	want, _ := hex.DecodeString("5a000000000000000700030042000b85")
	got, _ := c.MarshalBinary()
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalBinary() = %x; want %x", got, want)
	}

	var back Completion
	if err := back.UnmarshalBinary(want); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if back.Status() != StatusCompareFailure {
		t.Errorf("Status() = %v; want %v", back.Status(), StatusCompareFailure)
	}
	if !back.Phase() || !back.DNR() || back.More() {
		t.Errorf("Phase=%t DNR=%t More=%t", back.Phase(), back.DNR(), back.More())
	}
	back.SetStatus(StatusSuccess)
	if !back.Status().Success() || !back.Phase() || !back.DNR() {
		t.Errorf("SetStatus clobbered other bits: %#x", back.StatusField)
	}
}

func TestStatus(t *testing.T) {
	testCases := []struct {
		s    Status
		sct  uint8
		sc   uint8
		name string
	}{
		{StatusSuccess, SCTGeneric, 0x00, "Successful Completion (0x000)"},
		{StatusAbortedFailedFused, SCTGeneric, 0x09, "Command Aborted due to Failed Fused Command (0x009)"},
		{StatusInvalidQueueDeletion, SCTCommandSpecific, 0x0c, "Invalid Queue Deletion (0x10c)"},
		{StatusCompareFailure, SCTMedia, 0x85, "Compare Failure (0x285)"},
		{MakeStatus(SCTVendor, 0x11), SCTVendor, 0x11, "SCT 0x7 SC 0x11"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.s.SCT() != tc.sct || tc.s.SC() != tc.sc {
				t.Errorf("SCT/SC = %#x/%#x; want %#x/%#x", tc.s.SCT(), tc.s.SC(), tc.sct, tc.sc)
			}
			if MakeStatus(tc.sct, tc.sc) != tc.s {
				t.Errorf("MakeStatus(%#x, %#x) = %#x", tc.sct, tc.sc, uint16(MakeStatus(tc.sct, tc.sc)))
			}
			if got := tc.s.String(); got != tc.name {
				t.Errorf("String() = %q; want %q", got, tc.name)
			}
		})
	}
}

func TestIdentifyController(t *testing.T) {
	want := &IdentifyController{
		VID:          0x1b36,
		SSVID:        0x1af4,
		SerialNumber: "SIM0001",
		ModelNumber:  "harness controller",
		Firmware:     "1.0",
		MDTS:         5,
		CNTLID:       1,
		Version:      0x20000,
		OACS:         0x2,
		SQES:         0x66,
		CQES:         0x44,
		NN:           4,
		ONCS:         ONCSCompare | ONCSCopy,
		FUSES:        FUSESCompareWrite,
	}
	raw, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != IdentifySize {
		t.Fatalf("len = %d; want %d", len(raw), IdentifySize)
	}
	// Offsets from the identify controller data structure.
	if raw[512] != 0x66 || raw[513] != 0x44 || raw[520] != byte(ONCSCompare) || raw[522] != FUSESCompareWrite {
		t.Errorf("fields at wrong offsets: sqes=%#x cqes=%#x oncs=%#x fuses=%#x", raw[512], raw[513], raw[520], raw[522])
	}
	got, err := ParseIdentifyController(raw)
	if err != nil {
		t.Fatalf("ParseIdentifyController: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestIdentifyNamespace(t *testing.T) {
	want := &IdentifyNamespace{
		Size:        1 << 20,
		Capacity:    1 << 20,
		Utilization: 1 << 19,
		FormatIndex: 17,
		Extended:    true,
		DPC:         0x1f,
		DPS:         1 | DPSFirst,
		Formats:     make([]LBAFormat, 18),
		LBSTM:       0xffff,
		PIC:         0x3,
	}
	want.Formats[17] = LBAFormat{MetaSize: 16, DataShift: 12, RP: 1, STS: 16, PIF: 2}
	want.Formats[0] = LBAFormat{DataShift: 9}

	raw, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	nvm, err := want.MarshalNVM()
	if err != nil {
		t.Fatalf("MarshalNVM: %v", err)
	}
	if raw[26] != 0x31 {
		t.Errorf("FLBAS = %#x; want 0x31", raw[26])
	}
	got, err := ParseIdentifyNamespace(raw)
	if err != nil {
		t.Fatalf("ParseIdentifyNamespace: %v", err)
	}
	if err := got.ApplyNVM(nvm); err != nil {
		t.Fatalf("ApplyNVM: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got.PIType() != 1 || !got.PIFirst() {
		t.Errorf("PIType() = %d PIFirst() = %t", got.PIType(), got.PIFirst())
	}
	f, err := got.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if f.DataSize() != 4096 {
		t.Errorf("DataSize() = %d; want 4096", f.DataSize())
	}
}

func TestIdentifyNamespaceNoFormats(t *testing.T) {
	n := &IdentifyNamespace{}
	if _, err := n.MarshalBinary(); err == nil {
		t.Errorf("MarshalBinary with no formats succeeded")
	}
	n.Formats = []LBAFormat{{DataShift: 9}}
	n.FormatIndex = 3
	if _, err := n.Current(); err == nil {
		t.Errorf("Current() with index beyond formats succeeded")
	}
}

func TestZoneReport(t *testing.T) {
	zones := []ZoneDescriptor{
		{Type: ZoneTypeSeqWriteRequired, State: ZoneFull, Capacity: 0x100, Start: 0, WP: 0x100},
		{Type: ZoneTypeSeqWriteRequired, State: ZoneImplicitOpen, Attrs: 0x80, Capacity: 0x100, Start: 0x100, WP: 0x110},
	}
	raw := MarshalZoneReport(zones, ZoneReportHeaderSize+2*ZoneDescriptorSize)
	if len(raw) != 192 {
		t.Fatalf("report of %d bytes", len(raw))
	}
	if raw[0] != 2 || raw[64] != ZoneTypeSeqWriteRequired || raw[65] != 0xe0 || raw[130] != 0x80 {
		t.Errorf("unexpected encoding % x", raw[:72])
	}
	got, err := ParseZoneReport(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(zones, got); diff != "" {
		t.Errorf("zone report mismatch (-want +got):\n%s", diff)
	}

	// A truncated reply still reports every zone in its header.
	short := MarshalZoneReport(zones, ZoneReportHeaderSize+ZoneDescriptorSize)
	got, err = ParseZoneReport(short)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || short[0] != 2 {
		t.Errorf("truncated report held %d zones, header %d", len(got), short[0])
	}
	if _, err := ParseZoneReport(raw[:10]); err == nil {
		t.Errorf("no error for a report without header")
	}
}

func TestZonedIdentify(t *testing.T) {
	z := &IdentifyZonedNamespace{MAR: 0xffffffff, MOR: 7, ZoneSizes: []uint64{0x4000, 0x800}}
	raw, err := z.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != IdentifySize || raw[2816] != 0x00 || raw[2817] != 0x40 || raw[2832+1] != 0x08 {
		t.Errorf("zone sizes not at the LBA format extensions")
	}
	got, err := ParseIdentifyZonedNamespace(raw, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(z, got); diff != "" {
		t.Errorf("zoned identify mismatch (-want +got):\n%s", diff)
	}
}
