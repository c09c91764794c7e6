// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const IdentifySize = 4096

// Identify Controller data structure, NVMe Base Specification 2.0 figure 275.
// Only the fields the harness uses are decoded.
type rawIdentifyController struct {
	VID          uint16
	SSVID        uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
	RAB          uint8
	IEEE         [3]byte
	CMIC         uint8
	MDTS         uint8
	CNTLID       uint16
	Version      uint32
	_            [172]byte
	OACS         uint16
	_            [254]byte
	SQES         uint8
	CQES         uint8
	MaxCmd       uint16
	NN           uint32
	ONCS         uint16
	FUSES        uint16
}

type IdentifyController struct {
	VID          uint16
	SSVID        uint16
	SerialNumber string
	ModelNumber  string
	Firmware     string
	MDTS         uint8
	CNTLID       uint16
	Version      uint32
	OACS         uint16
	SQES         uint8
	CQES         uint8
	MaxCmd       uint16
	NN           uint32
	ONCS         uint16
	FUSES        uint16
}

// ONCS and FUSES bits
const (
	ONCSCompare       = 1 << 0
	ONCSWriteZeroes   = 1 << 3
	ONCSVerify        = 1 << 7
	ONCSCopy          = 1 << 8
	FUSESCompareWrite = 1 << 0
)

func ParseIdentifyController(raw []byte) (*IdentifyController, error) {
	r := rawIdentifyController{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return nil, fmt.Errorf("failed to parse identify controller: %v", err)
	}
	return &IdentifyController{
		VID:          r.VID,
		SSVID:        r.SSVID,
		SerialNumber: strings.TrimSpace(string(r.SerialNumber[:])),
		ModelNumber:  strings.TrimSpace(string(r.ModelNumber[:])),
		Firmware:     strings.TrimSpace(string(r.Firmware[:])),
		MDTS:         r.MDTS,
		CNTLID:       r.CNTLID,
		Version:      r.Version,
		OACS:         r.OACS,
		SQES:         r.SQES,
		CQES:         r.CQES,
		MaxCmd:       r.MaxCmd,
		NN:           r.NN,
		ONCS:         r.ONCS,
		FUSES:        r.FUSES,
	}, nil
}

// MarshalBinary encodes the structure as a 4096 byte identify page.
func (c *IdentifyController) MarshalBinary() ([]byte, error) {
	r := rawIdentifyController{
		VID:     c.VID,
		SSVID:   c.SSVID,
		MDTS:    c.MDTS,
		CNTLID:  c.CNTLID,
		Version: c.Version,
		OACS:    c.OACS,
		SQES:    c.SQES,
		CQES:    c.CQES,
		MaxCmd:  c.MaxCmd,
		NN:      c.NN,
		ONCS:    c.ONCS,
		FUSES:   c.FUSES,
	}
	pad(r.SerialNumber[:], c.SerialNumber)
	pad(r.ModelNumber[:], c.ModelNumber)
	pad(r.Firmware[:], c.Firmware)
	return page(&r)
}

func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func page(v interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	buf.Write(make([]byte, IdentifySize-buf.Len()))
	return buf.Bytes(), nil
}

// Identify Namespace data structure for the NVM command set, NVM Command Set
// Specification 1.0 figure 97.
type rawIdentifyNamespace struct {
	NSZE   uint64
	NCAP   uint64
	NUSE   uint64
	NSFEAT uint8
	NLBAF  uint8
	FLBAS  uint8
	MC     uint8
	DPC    uint8
	DPS    uint8
	_      [98]byte
	LBAF   [64]uint32
}

// I/O Command Set specific Identify Namespace for the NVM command set,
// NVM Command Set Specification 1.0 figure 114.
type rawNVMIdentifyNamespace struct {
	LBSTM uint64
	PIC   uint8
	_     [3]byte
	ELBAF [64]uint32
}

// LBAFormat merges an LBA format with its extended LBA format.
type LBAFormat struct {
	MetaSize  uint16
	DataShift uint8 // LBADS, log2 of the data size
	RP        uint8
	STS       uint8
	PIF       uint8
}

func (f LBAFormat) DataSize() int {
	return 1 << f.DataShift
}

type IdentifyNamespace struct {
	Size        uint64
	Capacity    uint64
	Utilization uint64
	Features    uint8
	// FormatIndex is the index of the format the namespace is formatted with.
	FormatIndex int
	// Extended reports metadata transferred at the end of the data LBA.
	Extended bool
	MC       uint8
	DPC      uint8
	DPS      uint8
	Formats  []LBAFormat
	LBSTM    uint64
	PIC      uint8
}

// Data protection settings (DPS)
const (
	DPSTypeMask = 0x7
	DPSFirst    = 1 << 3
)

func (n *IdentifyNamespace) PIType() uint8 { return n.DPS & DPSTypeMask }

func (n *IdentifyNamespace) PIFirst() bool { return n.DPS&DPSFirst != 0 }

// Current returns the format in use.
func (n *IdentifyNamespace) Current() (LBAFormat, error) {
	if n.FormatIndex >= len(n.Formats) {
		return LBAFormat{}, fmt.Errorf("formatted LBA size index %d beyond %d formats", n.FormatIndex, len(n.Formats))
	}
	return n.Formats[n.FormatIndex], nil
}

func ParseIdentifyNamespace(raw []byte) (*IdentifyNamespace, error) {
	r := rawIdentifyNamespace{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return nil, fmt.Errorf("failed to parse identify namespace: %v", err)
	}
	n := &IdentifyNamespace{
		Size:        r.NSZE,
		Capacity:    r.NCAP,
		Utilization: r.NUSE,
		Features:    r.NSFEAT,
		FormatIndex: int(r.FLBAS&0xf) | int(r.FLBAS>>5&0x3)<<4,
		Extended:    r.FLBAS&0x10 != 0,
		MC:          r.MC,
		DPC:         r.DPC,
		DPS:         r.DPS,
	}
	for i := 0; i <= int(r.NLBAF); i++ {
		f := r.LBAF[i]
		n.Formats = append(n.Formats, LBAFormat{
			MetaSize:  uint16(f),
			DataShift: uint8(f >> 16),
			RP:        uint8(f>>24) & 0x3,
		})
	}
	return n, nil
}

// ApplyNVM merges the I/O command set specific identify data into n.
func (n *IdentifyNamespace) ApplyNVM(raw []byte) error {
	r := rawNVMIdentifyNamespace{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return fmt.Errorf("failed to parse NVM identify namespace: %v", err)
	}
	n.LBSTM = r.LBSTM
	n.PIC = r.PIC
	for i := range n.Formats {
		n.Formats[i].STS = uint8(r.ELBAF[i] & 0x7f)
		n.Formats[i].PIF = uint8(r.ELBAF[i]>>7) & 0x3
	}
	return nil
}

// MarshalBinary encodes the common part of the namespace data structure.
func (n *IdentifyNamespace) MarshalBinary() ([]byte, error) {
	if len(n.Formats) == 0 || len(n.Formats) > 64 {
		return nil, fmt.Errorf("invalid number of LBA formats %d", len(n.Formats))
	}
	r := rawIdentifyNamespace{
		NSZE:   n.Size,
		NCAP:   n.Capacity,
		NUSE:   n.Utilization,
		NSFEAT: n.Features,
		NLBAF:  uint8(len(n.Formats) - 1),
		FLBAS:  uint8(n.FormatIndex&0xf) | uint8(n.FormatIndex>>4&0x3)<<5,
		MC:     n.MC,
		DPC:    n.DPC,
		DPS:    n.DPS,
	}
	if n.Extended {
		r.FLBAS |= 0x10
	}
	for i, f := range n.Formats {
		r.LBAF[i] = uint32(f.MetaSize) | uint32(f.DataShift)<<16 | uint32(f.RP&0x3)<<24
	}
	return page(&r)
}

// MarshalNVM encodes the I/O command set specific part.
func (n *IdentifyNamespace) MarshalNVM() ([]byte, error) {
	r := rawNVMIdentifyNamespace{LBSTM: n.LBSTM, PIC: n.PIC}
	for i, f := range n.Formats {
		if i >= len(r.ELBAF) {
			break
		}
		r.ELBAF[i] = uint32(f.STS&0x7f) | uint32(f.PIF&0x3)<<7
	}
	return page(&r)
}
