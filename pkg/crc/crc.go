// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc implements a table-driven CRC engine for 8, 16, 32 and 64 bit
// wide checksums described by the Rocksoft model parameters.
//
// The presets cover the algorithms used by NVMe end-to-end data protection:
// CRC-16 T10-DIF for the 16b guard, CRC-32C for the 32b guard and the NVM
// Express 64b CRC for the 64b guard.
package crc

import (
	"fmt"
	"math/bits"
)

// Params describes a CRC algorithm. Poly, Init and XorOut are interpreted
// modulo 2^Width.
type Params struct {
	Name   string
	Width  uint
	Poly   uint64
	Init   uint64
	XorOut uint64
	RefIn  bool
	RefOut bool
}

// Table is an immutable CRC algorithm together with its lookup table. A Table
// is safe for concurrent use.
type Table struct {
	p     Params
	mask  uint64
	shift uint
	t     [256]uint64
}

var (
	CRC8Maxim = New(Params{
		Name:   "CRC-8/MAXIM",
		Width:  8,
		Poly:   0x31,
		RefIn:  true,
		RefOut: true,
	})
	CRC16T10DIF = New(Params{
		Name:  "CRC-16/T10-DIF",
		Width: 16,
		Poly:  0x8bb7,
	})
	CRC32C = New(Params{
		Name:   "CRC-32C/Castagnoli",
		Width:  32,
		Poly:   0x1edc6f41,
		Init:   0xffffffff,
		XorOut: 0xffffffff,
		RefIn:  true,
		RefOut: true,
	})
	CRC64NVMe = New(Params{
		Name:   "NVM Express 64b CRC",
		Width:  64,
		Poly:   0xad93d23594c93659,
		Init:   0xffffffffffffffff,
		XorOut: 0xffffffffffffffff,
		RefIn:  true,
		RefOut: true,
	})
)

// Presets lists the built-in algorithms keyed by a short name.
var Presets = map[string]*Table{
	"crc8-maxim": CRC8Maxim,
	"crc16-t10":  CRC16T10DIF,
	"crc32c":     CRC32C,
	"crc64-nvme": CRC64NVMe,
}

// New builds the lookup table for p. It panics if p.Width is not one of 8, 16,
// 32 or 64, since that can only be a programming error.
func New(p Params) *Table {
	switch p.Width {
	case 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("crc: unsupported width %d for %q", p.Width, p.Name))
	}
	t := &Table{
		p:     p,
		mask:  widthMask(p.Width),
		shift: p.Width - 8,
	}
	t.p.Poly &= t.mask
	t.p.Init &= t.mask
	t.p.XorOut &= t.mask

	top := uint64(1) << (p.Width - 1)
	for i := range t.t {
		c := uint64(i) << t.shift
		for k := 0; k < 8; k++ {
			if c&top != 0 {
				c = (c << 1) ^ t.p.Poly
			} else {
				c <<= 1
			}
		}
		t.t[i] = c & t.mask
	}
	return t
}

func widthMask(w uint) uint64 {
	if w == 64 {
		return ^uint64(0)
	}
	return uint64(1)<<w - 1
}

// Params returns the parameters the table was built from.
func (t *Table) Params() Params {
	return t.p
}

// Width returns the checksum width in bits.
func (t *Table) Width() uint {
	return t.p.Width
}

// Size returns the checksum width in bytes.
func (t *Table) Size() int {
	return int(t.p.Width / 8)
}

// Init returns the initial register value for a streaming computation.
func (t *Table) Init() uint64 {
	return t.p.Init
}

// Update feeds data into the running register crc and returns the new register.
func (t *Table) Update(crc uint64, data []byte) uint64 {
	for _, b := range data {
		if t.p.RefIn {
			b = bits.Reverse8(b)
		}
		crc = ((crc << 8) & t.mask) ^ t.t[byte(crc>>t.shift)^b]
	}
	return crc
}

// Final applies output reflection and the final XOR to a running register.
func (t *Table) Final(crc uint64) uint64 {
	if t.p.RefOut {
		crc = bits.Reverse64(crc) >> (64 - t.p.Width)
	}
	return (crc ^ t.p.XorOut) & t.mask
}

// Checksum returns the CRC of data. The checksum of an empty buffer is the
// (possibly reflected) initial value XOR'd with XorOut.
func (t *Table) Checksum(data []byte) uint64 {
	return t.Final(t.Update(t.p.Init, data))
}

func (t *Table) String() string {
	return t.p.Name
}
