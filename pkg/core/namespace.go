// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

// Namespace is a snapshot of one namespace in the format it had when it was
// identified. Format hands out a new Namespace; commands built from an older
// one are refused.
type Namespace struct {
	ID       uint32
	Blocks   uint64
	Identify *nvme.IdentifyNamespace
	Format   nvme.LBAFormat
	PI       *pi.Context
	// ZoneSize is the zone size in logical blocks, zero unless the namespace
	// supports the Zoned Namespace command set.
	ZoneSize uint64

	gen uint64
}

func (n *Namespace) String() string {
	return fmt.Sprintf("namespace %d (%d blocks, %v)", n.ID, n.Blocks, n.PI)
}

// Zoned reports whether the namespace uses the Zoned Namespace command set.
func (n *Namespace) Zoned() bool { return n.ZoneSize > 0 }

// FormatSpec selects the format Format NVM lays a namespace out in.
type FormatSpec struct {
	LBAF     int
	Extended bool
	PIType   pi.Type
	PIFirst  bool
	// SecureErase is the SES field, 0 for no secure erase.
	SecureErase uint8
}

func (f FormatSpec) cdw10() uint32 {
	v := uint32(f.LBAF&0xf) | uint32(f.LBAF>>4&0x3)<<12
	if f.Extended {
		v |= 1 << 4
	}
	v |= uint32(f.PIType&0x7) << 5
	if f.PIFirst {
		v |= 1 << 8
	}
	v |= uint32(f.SecureErase&0x7) << 9
	return v
}

// IdentifyNamespace reads the identify data of a namespace and derives its
// protection information context. The command set specific data is optional;
// a controller that rejects it is taken to use 16 bit guards without storage
// tags.
func (s *Session) IdentifyNamespace(nsid uint32) (*Namespace, error) {
	raw := make([]byte, nvme.IdentifySize)
	cmd := nvme.Command{Opcode: nvme.AdminIdentify, NSID: nsid, CDW10: nvme.CNSNamespace}
	if _, err := s.Admin(cmd, raw, nvme.StatusSuccess); err != nil {
		return nil, err
	}
	id, err := nvme.ParseIdentifyNamespace(raw)
	if err != nil {
		return nil, err
	}

	nvm := make([]byte, nvme.IdentifySize)
	cmd = nvme.Command{Opcode: nvme.AdminIdentify, NSID: nsid, CDW10: nvme.CNSNamespaceCSI, CDW11: nvme.CSINVM << 24}
	c, err := s.adminAny(cmd, nvm)
	if err != nil {
		return nil, err
	}
	if c.Status() == nvme.StatusSuccess {
		if err := id.ApplyNVM(nvm); err != nil {
			return nil, err
		}
	}

	var zoneSize uint64
	zns := make([]byte, nvme.IdentifySize)
	cmd = nvme.Command{Opcode: nvme.AdminIdentify, NSID: nsid, CDW10: nvme.CNSNamespaceCSI, CDW11: nvme.CSIZoned << 24}
	c, err = s.adminAny(cmd, zns)
	if err != nil {
		return nil, err
	}
	if c.Status() == nvme.StatusSuccess {
		z, err := nvme.ParseIdentifyZonedNamespace(zns, len(id.Formats))
		if err != nil {
			return nil, err
		}
		if id.FormatIndex < len(z.ZoneSizes) {
			zoneSize = z.ZoneSizes[id.FormatIndex]
		}
	}

	lbaf, err := id.Current()
	if err != nil {
		return nil, err
	}
	g, err := pi.GuardFormatFromPIF(lbaf.PIF)
	if err != nil {
		return nil, err
	}
	ctx, err := pi.NewContext(pi.Format{
		Guard:       g,
		STS:         uint(lbaf.STS),
		Type:        pi.Type(id.PIType()),
		LBADataSize: lbaf.DataSize(),
		MetaSize:    int(lbaf.MetaSize),
		Extended:    id.Extended,
		First:       id.PIFirst(),
	})
	if err != nil {
		return nil, err
	}
	return &Namespace{
		ID:       nsid,
		Blocks:   id.Size,
		Identify: id,
		Format:   lbaf,
		PI:       ctx,
		ZoneSize: zoneSize,
		gen:      s.nsGen[nsid],
	}, nil
}

// Format issues Format NVM for ns and returns the namespace in its new
// format. ns and every other Namespace of the same ID are stale afterwards.
func (s *Session) Format(ns *Namespace, spec FormatSpec) (*Namespace, error) {
	if err := s.current(ns); err != nil {
		return nil, err
	}
	if spec.LBAF < 0 || spec.LBAF >= len(ns.Identify.Formats) {
		return nil, fmt.Errorf("%w: LBA format %d of %d", ErrConfig, spec.LBAF, len(ns.Identify.Formats))
	}
	cmd := nvme.Command{Opcode: nvme.AdminFormatNVM, NSID: ns.ID, CDW10: spec.cdw10()}
	if _, err := s.Admin(cmd, nil, nvme.StatusSuccess); err != nil {
		return nil, err
	}
	s.nsGen[ns.ID]++
	s.log.Printf("formatted namespace %d with LBA format %d, protection %v", ns.ID, spec.LBAF, spec.PIType)
	return s.IdentifyNamespace(ns.ID)
}

// current fails when ns was identified before the namespace was last
// formatted.
func (s *Session) current(ns *Namespace) error {
	if ns == nil {
		return fmt.Errorf("%w: no namespace", ErrConfig)
	}
	if ns.gen != s.nsGen[ns.ID] {
		return protocolErrorf("namespace %d was formatted after it was identified", ns.ID)
	}
	return nil
}
