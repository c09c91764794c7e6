// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Zone states, NVM Express Zoned Namespace Command Set Specification 1.1
// figure 37.
type ZoneState uint8

const (
	ZoneEmpty        ZoneState = 0x1
	ZoneImplicitOpen ZoneState = 0x2
	ZoneExplicitOpen ZoneState = 0x3
	ZoneClosed       ZoneState = 0x4
	ZoneReadOnly     ZoneState = 0xd
	ZoneFull         ZoneState = 0xe
	ZoneOffline      ZoneState = 0xf
)

func (s ZoneState) String() string {
	switch s {
	case ZoneEmpty:
		return "Empty"
	case ZoneImplicitOpen:
		return "Implicitly Opened"
	case ZoneExplicitOpen:
		return "Explicitly Opened"
	case ZoneClosed:
		return "Closed"
	case ZoneReadOnly:
		return "Read Only"
	case ZoneFull:
		return "Full"
	case ZoneOffline:
		return "Offline"
	}
	return fmt.Sprintf("ZoneState(%#x)", uint8(s))
}

const (
	ZoneTypeSeqWriteRequired = 0x2

	// Zone Management Send CDW13 bit 8.
	ZoneSelectAll = 1 << 8

	ZoneReportHeaderSize     = 64
	ZoneDescriptorSize       = 64
	ZoneReceiveReport        = 0x0
	ZoneReceiveExtendedReply = 0x1
)

// ZoneDescriptor is one entry of a Report Zones data structure.
type ZoneDescriptor struct {
	Type     uint8
	State    ZoneState
	Attrs    uint8
	Capacity uint64
	Start    uint64
	WP       uint64
}

type rawZoneDescriptor struct {
	ZT    uint8
	ZS    uint8
	ZA    uint8
	_     [5]byte
	ZCAP  uint64
	ZSLBA uint64
	WP    uint64
	_     [32]byte
}

// MarshalZoneReport encodes a Report Zones reply. The reply is truncated to
// size bytes.
func MarshalZoneReport(zones []ZoneDescriptor, size int) []byte {
	buf := bytes.Buffer{}
	hdr := struct {
		NRZones uint64
		_       [56]byte
	}{NRZones: uint64(len(zones))}
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	for _, z := range zones {
		r := rawZoneDescriptor{
			ZT:    z.Type,
			ZS:    uint8(z.State) << 4,
			ZA:    z.Attrs,
			ZCAP:  z.Capacity,
			ZSLBA: z.Start,
			WP:    z.WP,
		}
		_ = binary.Write(&buf, binary.LittleEndian, &r)
	}
	b := buf.Bytes()
	if len(b) > size {
		b = b[:size]
	}
	return b
}

// ParseZoneReport decodes as many zone descriptors as raw holds.
func ParseZoneReport(raw []byte) ([]ZoneDescriptor, error) {
	if len(raw) < ZoneReportHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes for a zone report", ErrShortEntry, len(raw))
	}
	n := binary.LittleEndian.Uint64(raw[0:8])
	rd := bytes.NewReader(raw[ZoneReportHeaderSize:])
	res := []ZoneDescriptor{}
	for i := uint64(0); i < n && rd.Len() >= ZoneDescriptorSize; i++ {
		r := rawZoneDescriptor{}
		if err := binary.Read(rd, binary.LittleEndian, &r); err != nil {
			return nil, fmt.Errorf("failed to parse zone descriptor %d: %v", i, err)
		}
		res = append(res, ZoneDescriptor{
			Type:     r.ZT,
			State:    ZoneState(r.ZS >> 4),
			Attrs:    r.ZA,
			Capacity: r.ZCAP,
			Start:    r.ZSLBA,
			WP:       r.WP,
		})
	}
	return res, nil
}

// I/O Command Set specific Identify Namespace for the Zoned Namespace
// command set, ZNS Command Set Specification 1.1 figure 48.
type rawZonedIdentifyNamespace struct {
	ZOC   uint16
	OZCS  uint16
	MAR   uint32
	MOR   uint32
	_     [2804]byte
	LBAFE [64]struct {
		ZSZE uint64
		ZDES uint8
		_    [7]byte
	}
}

type IdentifyZonedNamespace struct {
	ZOC  uint16
	OZCS uint16
	// Maximum active and open resources, 0's based; all ones is no limit.
	MAR uint32
	MOR uint32
	// ZoneSizes holds the zone size in logical blocks of each LBA format.
	ZoneSizes []uint64
}

func ParseIdentifyZonedNamespace(raw []byte, nlbaf int) (*IdentifyZonedNamespace, error) {
	r := rawZonedIdentifyNamespace{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return nil, fmt.Errorf("failed to parse zoned identify namespace: %v", err)
	}
	z := &IdentifyZonedNamespace{ZOC: r.ZOC, OZCS: r.OZCS, MAR: r.MAR, MOR: r.MOR}
	for i := 0; i < nlbaf && i < len(r.LBAFE); i++ {
		z.ZoneSizes = append(z.ZoneSizes, r.LBAFE[i].ZSZE)
	}
	return z, nil
}

func (z *IdentifyZonedNamespace) MarshalBinary() ([]byte, error) {
	r := rawZonedIdentifyNamespace{ZOC: z.ZOC, OZCS: z.OZCS, MAR: z.MAR, MOR: z.MOR}
	for i, s := range z.ZoneSizes {
		if i >= len(r.LBAFE) {
			break
		}
		r.LBAFE[i].ZSZE = s
	}
	return page(&r)
}
