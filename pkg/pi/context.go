// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pi implements NVMe end-to-end Protection Information as defined in
// NVM Express NVM Command Set Specification 1.0, section 5.3 "End-to-end Data
// Protection". It computes the guard, application tag and the combined
// storage/reference tag field a host has to place in the metadata of every
// logical block.
package pi

import (
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-nvme-harness/pkg/crc"
)

var (
	ErrConfig      = errors.New("invalid protection information configuration")
	ErrShortBuffer = errors.New("buffer too small for the requested logical blocks")
	ErrDisabled    = errors.New("protection information is not enabled")
)

// GuardFormat is the Protection Information Format (PIF) in bits of guard.
type GuardFormat uint8

const (
	Guard16 GuardFormat = 16
	Guard32 GuardFormat = 32
	Guard64 GuardFormat = 64
)

// GuardFormatFromPIF maps the 2-bit PIF field of an extended LBA format.
func GuardFormatFromPIF(pif uint8) (GuardFormat, error) {
	switch pif {
	case 0:
		return Guard16, nil
	case 1:
		return Guard32, nil
	case 2:
		return Guard64, nil
	}
	return 0, fmt.Errorf("%w: reserved PIF %d", ErrConfig, pif)
}

// PIF returns the encoded value used in the extended LBA format.
func (g GuardFormat) PIF() uint8 {
	switch g {
	case Guard32:
		return 1
	case Guard64:
		return 2
	}
	return 0
}

func (g GuardFormat) String() string {
	return fmt.Sprintf("%db", uint8(g))
}

type Type uint8

const (
	TypeNone Type = 0
	Type1    Type = 1
	Type2    Type = 2
	Type3    Type = 3
)

func (t Type) String() string {
	if t == TypeNone {
		return "none"
	}
	return fmt.Sprintf("type%d", uint8(t))
}

// Format is the user visible part of a namespace format that protection
// information depends on.
type Format struct {
	Guard       GuardFormat
	STS         uint // storage tag size in bits
	Type        Type
	LBADataSize int
	MetaSize    int
	// Extended is set when metadata is interleaved with the logical block
	// data (FLBAS bit 4).
	Extended bool
	// First is set when protection information occupies the first bytes of
	// the metadata rather than the last (DPS bit 3).
	First bool
}

// Context is the derived state used to compute protection information for
// one namespace format. It is immutable; a reformatted namespace gets a new
// Context.
type Context struct {
	f         Format
	rts       uint
	spaceBits uint
	piSize    int
	guard     *crc.Table
	split     tagSplit
}

type limits struct {
	minSTS, maxSTS uint
	spaceBits      uint
	piSize         int
	guard          *crc.Table
}

var guardLimits = map[GuardFormat]limits{
	Guard16: {minSTS: 0, maxSTS: 32, spaceBits: 32, piSize: 8, guard: crc.CRC16T10DIF},
	Guard32: {minSTS: 16, maxSTS: 64, spaceBits: 80, piSize: 16, guard: crc.CRC32C},
	Guard64: {minSTS: 0, maxSTS: 48, spaceBits: 48, piSize: 16, guard: crc.CRC64NVMe},
}

// NewContext validates f and derives the reference tag size and layout.
func NewContext(f Format) (*Context, error) {
	if f.LBADataSize <= 0 {
		return nil, fmt.Errorf("%w: logical block data size %d", ErrConfig, f.LBADataSize)
	}
	if f.MetaSize < 0 {
		return nil, fmt.Errorf("%w: metadata size %d", ErrConfig, f.MetaSize)
	}
	if f.Type > Type3 {
		return nil, fmt.Errorf("%w: protection type %d", ErrConfig, f.Type)
	}
	if f.Guard == 0 {
		f.Guard = Guard16
	}
	l, ok := guardLimits[f.Guard]
	if !ok {
		return nil, fmt.Errorf("%w: guard format %d", ErrConfig, f.Guard)
	}
	if f.STS < l.minSTS || f.STS > l.maxSTS {
		return nil, fmt.Errorf("%w: storage tag size %d out of range %d..%d for %s guard",
			ErrConfig, f.STS, l.minSTS, l.maxSTS, f.Guard)
	}
	if f.Type != TypeNone && f.MetaSize < l.piSize {
		return nil, fmt.Errorf("%w: metadata size %d smaller than %d byte protection information",
			ErrConfig, f.MetaSize, l.piSize)
	}
	c := &Context{
		f:         f,
		rts:       l.spaceBits - f.STS,
		spaceBits: l.spaceBits,
		piSize:    l.piSize,
		guard:     l.guard,
	}
	c.split = splitFor(c.rts)
	return c, nil
}

// Format returns the format the context was derived from.
func (c *Context) Format() Format { return c.f }

func (c *Context) Enabled() bool { return c.f.Type != TypeNone }

func (c *Context) Guard() GuardFormat { return c.f.Guard }

func (c *Context) Type() Type { return c.f.Type }

// STS is the storage tag size in bits.
func (c *Context) STS() uint { return c.f.STS }

// RTS is the reference tag size in bits: the storage and reference space minus
// the storage tag.
func (c *Context) RTS() uint { return c.rts }

// PISize is the size in bytes of the protection information tuple.
func (c *Context) PISize() int { return c.piSize }

func (c *Context) LBADataSize() int { return c.f.LBADataSize }

func (c *Context) MetaSize() int { return c.f.MetaSize }

// BlockSize is the number of bytes one logical block occupies in the data
// buffer.
func (c *Context) BlockSize() int {
	if c.f.Extended {
		return c.f.LBADataSize + c.f.MetaSize
	}
	return c.f.LBADataSize
}

// GuardTable returns the CRC used for the guard field.
func (c *Context) GuardTable() *crc.Table { return c.guard }

func (c *Context) RefTagMask() uint64 { return mask64(c.rts) }

func (c *Context) StorageTagMask() uint64 { return mask64(c.f.STS) }

// piOffset is the offset of the tuple inside a block's metadata.
func (c *Context) piOffset() int {
	if c.f.First {
		return 0
	}
	return c.f.MetaSize - c.piSize
}

func (c *Context) String() string {
	return fmt.Sprintf("lbads=%d ms=%d pi=%s guard=%s sts=%d rts=%d first=%t extended=%t",
		c.f.LBADataSize, c.f.MetaSize, c.f.Type, c.f.Guard, c.f.STS, c.rts, c.f.First, c.f.Extended)
}

func mask64(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}
