// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

var errInvalidFormat = errors.New("invalid format")

type NamespaceConfig struct {
	Blocks uint64
	// Formats are the LBA formats the namespace supports. A single 512 byte
	// format without metadata is used when empty.
	Formats     []nvme.LBAFormat
	FormatIndex int
	Extended    bool
	PIType      pi.Type
	PIFirst     bool
	// ZoneSize is the number of logical blocks per zone of a zoned
	// namespace; zero for a conventional namespace.
	ZoneSize uint64
}

type formatSpec struct {
	index    int
	extended bool
	piType   uint8
	piFirst  bool
}

type zone struct {
	start uint64
	wp    uint64
	state nvme.ZoneState
}

type namespace struct {
	id     uint32
	cfg    NamespaceConfig
	format formatSpec
	// host describes the layout of the host buffers, media the layout of
	// data and meta below, which never interleave.
	host  *pi.Context
	media *pi.Context
	data  []byte
	meta  []byte
	zones []zone
}

func newNamespace(id uint32, cfg NamespaceConfig) (*namespace, error) {
	if cfg.Blocks == 0 {
		return nil, fmt.Errorf("namespace without blocks")
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []nvme.LBAFormat{{DataShift: 9}}
	}
	if cfg.ZoneSize > 0 && cfg.Blocks%cfg.ZoneSize != 0 {
		return nil, fmt.Errorf("%d blocks are not a multiple of the zone size %d", cfg.Blocks, cfg.ZoneSize)
	}
	n := &namespace{id: id, cfg: cfg}
	err := n.reformat(formatSpec{
		index:    cfg.FormatIndex,
		extended: cfg.Extended,
		piType:   uint8(cfg.PIType),
		piFirst:  cfg.PIFirst,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// reformat lays the namespace out in a new format. All data is lost.
func (n *namespace) reformat(spec formatSpec) error {
	if spec.index >= len(n.cfg.Formats) {
		return fmt.Errorf("%w: LBA format %d of %d", errInvalidFormat, spec.index, len(n.cfg.Formats))
	}
	f := n.cfg.Formats[spec.index]
	g, err := pi.GuardFormatFromPIF(f.PIF)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidFormat, err)
	}
	pf := pi.Format{
		Guard:       g,
		STS:         uint(f.STS),
		Type:        pi.Type(spec.piType),
		LBADataSize: f.DataSize(),
		MetaSize:    int(f.MetaSize),
		Extended:    spec.extended,
		First:       spec.piFirst,
	}
	host, err := pi.NewContext(pf)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidFormat, err)
	}
	pf.Extended = false
	media, err := pi.NewContext(pf)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidFormat, err)
	}
	n.format = spec
	n.host, n.media = host, media
	n.data = make([]byte, n.cfg.Blocks*uint64(f.DataSize()))
	n.meta = make([]byte, n.cfg.Blocks*uint64(f.MetaSize))
	n.zones = nil
	if zs := n.cfg.ZoneSize; zs > 0 {
		for start := uint64(0); start < n.cfg.Blocks; start += zs {
			n.zones = append(n.zones, zone{start: start, wp: start, state: nvme.ZoneEmpty})
		}
	}
	return nil
}

func (n *namespace) identify() *nvme.IdentifyNamespace {
	dps := n.format.piType
	if n.format.piFirst {
		dps |= nvme.DPSFirst
	}
	return &nvme.IdentifyNamespace{
		Size:        n.cfg.Blocks,
		Capacity:    n.cfg.Blocks,
		Utilization: n.cfg.Blocks,
		FormatIndex: n.format.index,
		Extended:    n.format.extended,
		MC:          0x3,
		DPC:         0x1f,
		DPS:         dps,
		Formats:     append([]nvme.LBAFormat(nil), n.cfg.Formats...),
		LBSTM:       n.media.StorageTagMask(),
		PIC:         0x3,
	}
}

func (n *namespace) identifyZoned() *nvme.IdentifyZonedNamespace {
	z := &nvme.IdentifyZonedNamespace{MAR: 0xffffffff, MOR: 0xffffffff}
	for range n.cfg.Formats {
		z.ZoneSizes = append(z.ZoneSizes, n.cfg.ZoneSize)
	}
	return z
}

func (n *namespace) lbads() int { return n.media.LBADataSize() }

func (n *namespace) ms() int { return n.media.MetaSize() }

// extent returns the media bytes of nlb blocks starting at slba.
func (n *namespace) extent(slba uint64, nlb int) (data, meta []byte) {
	lbads, ms := uint64(n.lbads()), uint64(n.ms())
	end := slba + uint64(nlb)
	return n.data[slba*lbads : end*lbads], n.meta[slba*ms : end*ms]
}

// lbaRange validates the range of a read/write class command.
func (n *namespace) lbaRange(cmd *nvme.Command) (uint64, int, nvme.Status) {
	slba, nlb := cmd.SLBA(), int(cmd.NLB())
	end := slba + uint64(nlb)
	if end < slba || end > n.cfg.Blocks {
		return 0, 0, nvme.StatusLBAOutOfRange
	}
	return slba, nlb, nvme.StatusSuccess
}

func (n *namespace) fits(s *drive.Submission, nlb int) bool {
	return len(s.Data) >= nlb*n.host.BlockSize()
}

// image returns nlb blocks in the layout of the host buffers.
func (n *namespace) image(slba uint64, nlb int) (data, meta []byte) {
	lbads, ms, bs := n.lbads(), n.ms(), n.host.BlockSize()
	md, mm := n.extent(slba, nlb)
	if !n.format.extended {
		return append([]byte(nil), md...), append([]byte(nil), mm...)
	}
	data = make([]byte, nlb*bs)
	for i := 0; i < nlb; i++ {
		copy(data[i*bs:], md[i*lbads:(i+1)*lbads])
		copy(data[i*bs+lbads:(i+1)*bs], mm[i*ms:(i+1)*ms])
	}
	return data, nil
}

// store writes nlb blocks from host layout buffers to the media. Metadata
// the host did not provide is zeroed.
func (n *namespace) store(slba uint64, nlb int, data, meta []byte) {
	lbads, ms, bs := n.lbads(), n.ms(), n.host.BlockSize()
	md, mm := n.extent(slba, nlb)
	if !n.format.extended {
		copy(md, data)
		c := copy(mm, meta)
		for i := c; i < len(mm); i++ {
			mm[i] = 0
		}
		return
	}
	for i := 0; i < nlb; i++ {
		copy(md[i*lbads:(i+1)*lbads], data[i*bs:])
		copy(mm[i*ms:(i+1)*ms], data[i*bs+lbads:(i+1)*bs])
	}
}

// seed extracts the protection information fields of a command.
func (n *namespace) seed(cmd *nvme.Command) pi.Seed {
	ref, stag := n.host.UnpackTags(pi.TagsFromCommand(cmd.CDW2, cmd.CDW3, cmd.CDW14))
	return pi.Seed{
		RefTag:     ref,
		StorageTag: stag,
		AppTag:     cmd.AppTag(),
		AppMask:    cmd.AppMask(),
	}
}

func checks(cmd *nvme.Command) pi.Check {
	ctl := cmd.Control()
	var chk pi.Check
	if ctl&nvme.ControlPRCHKGuard != 0 {
		chk |= pi.CheckGuard
	}
	if ctl&nvme.ControlPRCHKApp != 0 {
		chk |= pi.CheckApp
	}
	if ctl&nvme.ControlPRCHKRef != 0 {
		chk |= pi.CheckRef
	}
	if ctl&nvme.ControlSTC != 0 {
		chk |= pi.CheckStorage
	}
	return chk
}

func piStatus(err error) nvme.Status {
	var ce *pi.CheckError
	if !errors.As(err, &ce) {
		return nvme.StatusDataTransferError
	}
	switch ce.Field {
	case pi.FieldGuard:
		return nvme.StatusGuardCheckError
	case pi.FieldApp:
		return nvme.StatusAppTagCheckError
	case pi.FieldRef:
		return nvme.StatusRefTagCheckError
	}
	return nvme.StatusStorageTagCheckError
}

// put moves host data to the media, checking or inserting protection
// information as the control field asks.
func (n *namespace) put(s *drive.Submission, slba uint64, nlb int, chkMask pi.Check) nvme.Status {
	cmd := &s.Command
	if !n.fits(s, nlb) {
		return nvme.StatusDataTransferError
	}
	if !n.media.Enabled() {
		n.store(slba, nlb, s.Data, s.Metadata)
		return nvme.StatusSuccess
	}
	seed := n.seed(cmd)
	pract := cmd.Control()&nvme.ControlPRACT != 0
	if chk := checks(cmd) & chkMask; !pract && chk != 0 {
		if err := n.host.Verify(s.Data, s.Metadata, slba, nlb, seed, chk); err != nil {
			return piStatus(err)
		}
	}
	n.store(slba, nlb, s.Data, s.Metadata)
	if pract {
		seed.AppMask = 0xffff
		md, mm := n.extent(slba, nlb)
		if err := n.media.Generate(md, mm, slba, nlb, seed); err != nil {
			return nvme.StatusInternalError
		}
	}
	return nvme.StatusSuccess
}

// check verifies the protection information stored on the media.
func (n *namespace) check(cmd *nvme.Command, slba uint64, nlb int) nvme.Status {
	chk := checks(cmd)
	if !n.media.Enabled() || chk == 0 {
		return nvme.StatusSuccess
	}
	md, mm := n.extent(slba, nlb)
	if err := n.media.Verify(md, mm, slba, nlb, n.seed(cmd), chk); err != nil {
		return piStatus(err)
	}
	return nvme.StatusSuccess
}

func (n *namespace) write(s *drive.Submission) nvme.Status {
	slba, nlb, st := n.lbaRange(&s.Command)
	if st != nvme.StatusSuccess {
		return st
	}
	var z *zone
	if n.zoned() {
		z = n.zoneOf(slba)
		if st := n.writable(z, slba, nlb); st != nvme.StatusSuccess {
			return st
		}
	}
	if st := n.put(s, slba, nlb, pi.CheckAll); st != nvme.StatusSuccess {
		return st
	}
	if z != nil {
		n.advance(z, nlb)
	}
	return nvme.StatusSuccess
}

func (n *namespace) read(s *drive.Submission) nvme.Status {
	slba, nlb, st := n.lbaRange(&s.Command)
	if st != nvme.StatusSuccess {
		return st
	}
	if !n.fits(s, nlb) {
		return nvme.StatusDataTransferError
	}
	if st := n.check(&s.Command, slba, nlb); st != nvme.StatusSuccess {
		return st
	}
	data, meta := n.image(slba, nlb)
	transfer(s.Data, data, s.BitBuckets)
	copy(s.Metadata, meta)
	return nvme.StatusSuccess
}

// transfer copies src to dst except for the bit bucket ranges of dst.
func transfer(dst, src []byte, buckets []drive.BitBucket) {
	saved := make([][]byte, len(buckets))
	for i, b := range buckets {
		if b.Offset < 0 || b.Offset >= len(dst) || b.Length <= 0 {
			continue
		}
		end := b.Offset + b.Length
		if end > len(dst) {
			end = len(dst)
		}
		saved[i] = append([]byte(nil), dst[b.Offset:end]...)
	}
	copy(dst, src)
	for i, b := range buckets {
		if saved[i] != nil {
			copy(dst[b.Offset:], saved[i])
		}
	}
}

func (n *namespace) compare(s *drive.Submission) nvme.Status {
	slba, nlb, st := n.lbaRange(&s.Command)
	if st != nvme.StatusSuccess {
		return st
	}
	if !n.fits(s, nlb) {
		return nvme.StatusDataTransferError
	}
	if st := n.check(&s.Command, slba, nlb); st != nvme.StatusSuccess {
		return st
	}
	data, meta := n.image(slba, nlb)
	if !bytes.Equal(s.Data[:len(data)], data) {
		return nvme.StatusCompareFailure
	}
	if len(meta) > 0 && len(s.Metadata) >= len(meta) && !bytes.Equal(s.Metadata[:len(meta)], meta) {
		return nvme.StatusCompareFailure
	}
	return nvme.StatusSuccess
}

func (n *namespace) verify(s *drive.Submission) nvme.Status {
	slba, nlb, st := n.lbaRange(&s.Command)
	if st != nvme.StatusSuccess {
		return st
	}
	return n.check(&s.Command, slba, nlb)
}

func (n *namespace) writeZeroes(s *drive.Submission) nvme.Status {
	cmd := &s.Command
	slba, nlb, st := n.lbaRange(cmd)
	if st != nvme.StatusSuccess {
		return st
	}
	var z *zone
	if n.zoned() {
		z = n.zoneOf(slba)
		if st := n.writable(z, slba, nlb); st != nvme.StatusSuccess {
			return st
		}
	}
	md, mm := n.extent(slba, nlb)
	for i := range md {
		md[i] = 0
	}
	for i := range mm {
		mm[i] = 0
	}
	if n.media.Enabled() && cmd.Control()&nvme.ControlPRACT != 0 {
		seed := n.seed(cmd)
		seed.AppMask = 0xffff
		if err := n.media.Generate(md, mm, slba, nlb, seed); err != nil {
			return nvme.StatusInternalError
		}
	}
	if z != nil {
		n.advance(z, nlb)
	}
	return nvme.StatusSuccess
}

// copy executes a Copy command. Metadata is copied along with the data
// unchanged.
func (n *namespace) copy(s *drive.Submission, msrc uint8) nvme.Status {
	cmd := &s.Command
	if n.zoned() {
		return nvme.StatusInvalidField
	}
	nr := int(cmd.CDW12&0xff) + 1
	if nr > int(msrc)+1 {
		return nvme.StatusCopyRangesExceeded
	}
	desfmt := uint8(cmd.CDW12>>8) & 0xf
	switch desfmt {
	case nvme.CopyFormat0:
		if n.media.Enabled() && n.media.Guard() != pi.Guard16 {
			return nvme.StatusInvalidField
		}
	case nvme.CopyFormat1:
		if !n.media.Enabled() || n.media.Guard() == pi.Guard16 {
			return nvme.StatusInvalidField
		}
	default:
		return nvme.StatusInvalidField
	}
	ds := nvme.CopyDescriptorSize(desfmt)
	if len(s.Data) < nr*ds {
		return nvme.StatusDataTransferError
	}

	var data, meta []byte
	total := uint64(0)
	for i := 0; i < nr; i++ {
		d := s.Data[i*ds : (i+1)*ds]
		slba := binary.LittleEndian.Uint64(d[8:16])
		nlb := int(binary.LittleEndian.Uint16(d[16:18])) + 1
		if end := slba + uint64(nlb); end < slba || end > n.cfg.Blocks {
			return nvme.StatusLBAOutOfRange
		}
		md, mm := n.extent(slba, nlb)
		data = append(data, md...)
		meta = append(meta, mm...)
		total += uint64(nlb)
	}
	sdlba := cmd.SLBA()
	if end := sdlba + total; end < sdlba || end > n.cfg.Blocks {
		return nvme.StatusLBAOutOfRange
	}
	md, mm := n.extent(sdlba, int(total))
	copy(md, data)
	copy(mm, meta)
	return nvme.StatusSuccess
}

func (n *namespace) zoned() bool { return n.cfg.ZoneSize > 0 }

func (n *namespace) zoneOf(lba uint64) *zone {
	return &n.zones[lba/n.cfg.ZoneSize]
}

func (n *namespace) zoneEnd(z *zone) uint64 {
	return z.start + n.cfg.ZoneSize
}

func stateStatus(s nvme.ZoneState) nvme.Status {
	switch s {
	case nvme.ZoneFull:
		return nvme.StatusZoneFull
	case nvme.ZoneReadOnly:
		return nvme.StatusZoneReadOnly
	case nvme.ZoneOffline:
		return nvme.StatusZoneOffline
	}
	return nvme.StatusSuccess
}

// writable checks that a write of nlb blocks at slba lands on the write
// pointer of z and stays inside the zone.
func (n *namespace) writable(z *zone, slba uint64, nlb int) nvme.Status {
	if st := stateStatus(z.state); st != nvme.StatusSuccess {
		return st
	}
	if slba != z.wp {
		return nvme.StatusZoneInvalidWrite
	}
	if slba+uint64(nlb) > n.zoneEnd(z) {
		return nvme.StatusZoneBoundaryError
	}
	return nvme.StatusSuccess
}

func (n *namespace) advance(z *zone, nlb int) {
	z.wp += uint64(nlb)
	switch {
	case z.wp == n.zoneEnd(z):
		z.state = nvme.ZoneFull
	case z.state == nvme.ZoneEmpty || z.state == nvme.ZoneClosed:
		z.state = nvme.ZoneImplicitOpen
	}
}

// zoneAppend writes at the write pointer of the zone starting at SLBA and
// returns the first LBA written.
func (n *namespace) zoneAppend(s *drive.Submission) (nvme.Status, uint64) {
	if !n.zoned() {
		return nvme.StatusInvalidOpcode, 0
	}
	slba, nlb, st := n.lbaRange(&s.Command)
	if st != nvme.StatusSuccess {
		return st, 0
	}
	if slba%n.cfg.ZoneSize != 0 {
		return nvme.StatusInvalidField, 0
	}
	z := n.zoneOf(slba)
	if st := stateStatus(z.state); st != nvme.StatusSuccess {
		return st, 0
	}
	lba := z.wp
	if lba+uint64(nlb) > n.zoneEnd(z) {
		return nvme.StatusZoneBoundaryError, 0
	}
	// The reference tag is remapped to the assigned LBA and cannot be checked
	// against the host's value.
	if st := n.put(s, lba, nlb, pi.CheckAll&^pi.CheckRef); st != nvme.StatusSuccess {
		return st, 0
	}
	n.advance(z, nlb)
	return nvme.StatusSuccess, lba
}

func (n *namespace) zoneTargets(cmd *nvme.Command) ([]*zone, nvme.Status) {
	if cmd.CDW13&nvme.ZoneSelectAll != 0 {
		all := make([]*zone, len(n.zones))
		for i := range n.zones {
			all[i] = &n.zones[i]
		}
		return all, nvme.StatusSuccess
	}
	slba := cmd.SLBA()
	if slba >= n.cfg.Blocks || slba%n.cfg.ZoneSize != 0 {
		return nil, nvme.StatusInvalidField
	}
	return []*zone{n.zoneOf(slba)}, nvme.StatusSuccess
}

func (n *namespace) zoneSend(s *drive.Submission) nvme.Status {
	if !n.zoned() {
		return nvme.StatusInvalidOpcode
	}
	cmd := &s.Command
	zones, st := n.zoneTargets(cmd)
	if st != nvme.StatusSuccess {
		return st
	}
	all := cmd.CDW13&nvme.ZoneSelectAll != 0
	for _, z := range zones {
		st := n.transition(z, uint8(cmd.CDW13))
		if st == nvme.StatusZoneInvalidTransition && all {
			continue
		}
		if st != nvme.StatusSuccess {
			return st
		}
	}
	return nvme.StatusSuccess
}

func (n *namespace) transition(z *zone, action uint8) nvme.Status {
	switch action {
	case nvme.ZoneActionReset:
		if z.state == nvme.ZoneReadOnly || z.state == nvme.ZoneOffline {
			return nvme.StatusZoneInvalidTransition
		}
		md, mm := n.extent(z.start, int(n.cfg.ZoneSize))
		for i := range md {
			md[i] = 0
		}
		for i := range mm {
			mm[i] = 0
		}
		z.wp, z.state = z.start, nvme.ZoneEmpty
	case nvme.ZoneActionFinish:
		switch z.state {
		case nvme.ZoneFull:
		case nvme.ZoneEmpty, nvme.ZoneImplicitOpen, nvme.ZoneExplicitOpen, nvme.ZoneClosed:
			z.wp, z.state = n.zoneEnd(z), nvme.ZoneFull
		default:
			return nvme.StatusZoneInvalidTransition
		}
	case nvme.ZoneActionOpen:
		switch z.state {
		case nvme.ZoneEmpty, nvme.ZoneImplicitOpen, nvme.ZoneExplicitOpen, nvme.ZoneClosed:
			z.state = nvme.ZoneExplicitOpen
		default:
			return nvme.StatusZoneInvalidTransition
		}
	case nvme.ZoneActionClose:
		switch z.state {
		case nvme.ZoneImplicitOpen, nvme.ZoneExplicitOpen:
			z.state = nvme.ZoneClosed
			if z.wp == z.start {
				z.state = nvme.ZoneEmpty
			}
		case nvme.ZoneClosed:
		default:
			return nvme.StatusZoneInvalidTransition
		}
	case nvme.ZoneActionOffline:
		if z.state != nvme.ZoneReadOnly {
			return nvme.StatusZoneInvalidTransition
		}
		z.state = nvme.ZoneOffline
	default:
		return nvme.StatusInvalidField
	}
	return nvme.StatusSuccess
}

// zoneReceive answers Report Zones for the zones from the one holding SLBA
// to the end of the namespace.
func (n *namespace) zoneReceive(s *drive.Submission) nvme.Status {
	if !n.zoned() {
		return nvme.StatusInvalidOpcode
	}
	cmd := &s.Command
	if uint8(cmd.CDW13) != nvme.ZoneReceiveReport {
		return nvme.StatusInvalidField
	}
	slba := cmd.SLBA()
	if slba >= n.cfg.Blocks {
		return nvme.StatusLBAOutOfRange
	}
	size := int(cmd.CDW12+1) * 4
	if size > len(s.Data) {
		size = len(s.Data)
	}
	partial := cmd.CDW13&(1<<16) != 0
	descs := []nvme.ZoneDescriptor{}
	for i := int(slba / n.cfg.ZoneSize); i < len(n.zones); i++ {
		if partial && nvme.ZoneReportHeaderSize+(len(descs)+1)*nvme.ZoneDescriptorSize > size {
			break
		}
		z := n.zones[i]
		descs = append(descs, nvme.ZoneDescriptor{
			Type:     nvme.ZoneTypeSeqWriteRequired,
			State:    z.state,
			Capacity: n.cfg.ZoneSize,
			Start:    z.start,
			WP:       z.wp,
		})
	}
	copy(s.Data, nvme.MarshalZoneReport(descs, size))
	return nvme.StatusSuccess
}
