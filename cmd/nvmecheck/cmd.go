// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/open-source-firmware/go-nvme-harness/pkg/cmdutil"
	"github.com/open-source-firmware/go-nvme-harness/pkg/core"
	"github.com/open-source-firmware/go-nvme-harness/pkg/crc"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

// context is the context struct required by kong command line parser
type context struct{}

type crcCmd struct {
	Algorithm string   `flag:"" short:"a" default:"crc64-nvme" enum:"crc8-maxim,crc16-t10,crc32c,crc64-nvme" help:"CRC to compute"`
	Hex       bool     `flag:"" short:"x" help:"Inputs are hex encoded"`
	Input     []string `arg:"" optional:"" help:"Strings to checksum, standard input when none are given"`
}

type piCmd struct {
	Guard      uint8  `flag:"" default:"16" help:"Guard size in bits, one of 16, 32 or 64"`
	Type       uint8  `flag:"" default:"1" help:"Protection type 1, 2 or 3"`
	STS        uint   `flag:"" name:"sts" default:"0" help:"Storage tag size in bits"`
	BlockSize  int    `flag:"" default:"512" help:"Logical block data size"`
	MetaSize   int    `flag:"" default:"8" help:"Metadata bytes per logical block"`
	Extended   bool   `flag:"" help:"Metadata is interleaved with the data"`
	First      bool   `flag:"" help:"Protection information leads the metadata"`
	Blocks     int    `flag:"" short:"n" default:"4" help:"Number of logical blocks"`
	SLBA       uint64 `flag:"" name:"slba" default:"0" help:"Starting LBA"`
	RefTag     uint64 `flag:"" default:"0" help:"Initial reference tag, ignored for type 1"`
	AppTag     uint16 `flag:"" default:"0" help:"Application tag"`
	StorageTag uint64 `flag:"" default:"0" help:"Storage tag"`
	Fill       string `flag:"" default:"00" help:"Hex pattern the data is filled with"`
	Dump       bool   `flag:"" help:"Dump the generated metadata"`
}

type identifyCmd struct {
	cmdutil.TransportEmbed `embed:""`

	Output   string `flag:"" short:"o" default:"table" enum:"table,json" help:"Output format"`
	NoHeader bool   `flag:"" help:"Suppress the header in table format output"`
	Dump     bool   `flag:"" help:"Dump the raw identify structures"`
}

type runCmd struct {
	cmdutil.TransportEmbed `embed:""`

	Case     []string `flag:"" short:"c" help:"Cases to run, all when none are given"`
	List     bool     `flag:"" help:"List the cases and exit"`
	Output   string   `flag:"" short:"o" default:"table" enum:"table,json,openmetrics" help:"Output format"`
	NoHeader bool     `flag:"" help:"Suppress the header in table format output"`
	Yes      bool     `flag:"" short:"y" help:"Overwrite namespace data on a device without asking"`
	Verbose  bool     `flag:"" short:"v" help:"Log queue operations"`
}

// cli is the main command line interface struct required by kong command line parser
var cli struct {
	CRC      crcCmd      `cmd:"" name:"crc" help:"Compute the CRCs used by end-to-end data protection"`
	PI       piCmd       `cmd:"" name:"pi" help:"Generate and print protection information for a pattern"`
	Identify identifyCmd `cmd:"" help:"Show the namespaces of a controller"`
	Run      runCmd      `cmd:"" help:"Run conformance cases against a controller"`
}

func (t *crcCmd) Run(ctx *context) error {
	table, ok := crc.Presets[t.Algorithm]
	if !ok {
		return fmt.Errorf("unknown algorithm %q", t.Algorithm)
	}
	inputs := make([][]byte, 0, len(t.Input))
	for _, in := range t.Input {
		inputs = append(inputs, []byte(in))
	}
	if len(inputs) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading standard input failed: %v", err)
		}
		inputs = append(inputs, []byte(strings.TrimSpace(string(b))))
	}
	digits := int(table.Width() / 4)
	for i, in := range inputs {
		if t.Hex {
			b, err := hex.DecodeString(string(in))
			if err != nil {
				return fmt.Errorf("input %d: %v", i, err)
			}
			in = b
		}
		fmt.Printf("%0*x\n", digits, table.Checksum(in))
	}
	return nil
}

func (t *piCmd) Run(ctx *context) error {
	fill, err := hex.DecodeString(t.Fill)
	if err != nil || len(fill) == 0 {
		return fmt.Errorf("fill pattern %q is not hex", t.Fill)
	}
	p, err := pi.NewContext(pi.Format{
		Guard:       pi.GuardFormat(t.Guard),
		STS:         t.STS,
		Type:        pi.Type(t.Type),
		LBADataSize: t.BlockSize,
		MetaSize:    t.MetaSize,
		Extended:    t.Extended,
		First:       t.First,
	})
	if err != nil {
		return fmt.Errorf("pi.NewContext() failed: %v", err)
	}
	if !p.Enabled() {
		return fmt.Errorf("protection type %d does not carry protection information", t.Type)
	}

	data := make([]byte, t.Blocks*p.BlockSize())
	for i := range data {
		data[i] = fill[i%len(fill)]
	}
	var meta []byte
	if !t.Extended {
		meta = make([]byte, t.Blocks*p.MetaSize())
	}
	seed := pi.Seed{RefTag: t.RefTag, StorageTag: t.StorageTag, AppTag: t.AppTag, AppMask: 0xffff}
	if err := p.Generate(data, meta, t.SLBA, t.Blocks, seed); err != nil {
		return fmt.Errorf("Generate() failed: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "LBA\tGUARD\tAPP\tREF\tSTORAGE\n")
	for i := 0; i < t.Blocks; i++ {
		md := blockMeta(p, data, meta, i)
		tu := p.Decode(p.Tuple(md))
		fmt.Fprintf(w, "%d\t%0*x\t%04x\t%x\t%x\n",
			t.SLBA+uint64(i), int(p.Guard())/4, tu.Guard, tu.AppTag, tu.RefTag, tu.StorageTag)
	}
	w.Flush()
	if t.Dump {
		for i := 0; i < t.Blocks; i++ {
			fmt.Print(hex.Dump(blockMeta(p, data, meta, i)))
		}
	}
	return nil
}

// blockMeta returns the metadata of block i.
func blockMeta(p *pi.Context, data, meta []byte, i int) []byte {
	if p.Format().Extended {
		bs := p.BlockSize()
		return data[i*bs+p.LBADataSize() : (i+1)*bs]
	}
	return meta[i*p.MetaSize() : (i+1)*p.MetaSize()]
}

type namespaceState struct {
	NSID     uint32
	Blocks   uint64
	DataSize int
	MetaSize int
	Extended bool
	PI       string
	Guard    string
	STS      uint
	ZoneSize uint64 `json:",omitempty"`
}

type controllerState struct {
	Device     string
	Identity   *drive.Identity
	Namespaces []namespaceState
}

func (t *identifyCmd) Run(ctx *context) error {
	s, _, err := t.Open(nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctrl, err := s.IdentifyController()
	if err != nil {
		return fmt.Errorf("IdentifyController() failed: %v", err)
	}
	if t.Dump {
		spew.Dump(ctrl)
	}
	ids, err := s.ActiveNamespaces()
	if err != nil {
		return fmt.Errorf("ActiveNamespaces() failed: %v", err)
	}
	state := controllerState{Device: t.Name(), Identity: drive.IdentityOf(ctrl)}
	for _, id := range ids {
		ns, err := s.IdentifyNamespace(id)
		if err != nil {
			log.Printf("IdentifyNamespace(%d): %v", id, err)
			continue
		}
		if t.Dump {
			spew.Dump(ns.Identify)
		}
		st := namespaceState{
			NSID:     ns.ID,
			Blocks:   ns.Blocks,
			DataSize: ns.PI.LBADataSize(),
			MetaSize: ns.PI.MetaSize(),
			Extended: ns.PI.Format().Extended,
			PI:       ns.PI.Type().String(),
			ZoneSize: ns.ZoneSize,
		}
		if ns.PI.Enabled() {
			st.Guard = ns.PI.Guard().String()
			st.STS = ns.PI.STS()
		}
		state.Namespaces = append(state.Namespaces, st)
	}

	if t.Output == "json" {
		return outputJSON(state)
	}
	fmt.Println(state.Identity)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !t.NoHeader {
		fmt.Fprintf(w, "NSID\tBLOCKS\tLBA\tMETA\tPI\tGUARD\tSTS\tZONE\n")
	}
	for _, n := range state.Namespaces {
		meta := fmt.Sprint(n.MetaSize)
		if n.Extended {
			meta += "e"
		}
		guard, zone := "-", "-"
		if n.Guard != "" {
			guard = n.Guard
		}
		if n.ZoneSize > 0 {
			zone = fmt.Sprint(n.ZoneSize)
		}
		fmt.Fprint(w,
			n.NSID, "\t",
			n.Blocks, "\t",
			n.DataSize, "\t",
			meta, "\t",
			n.PI, "\t",
			guard, "\t",
			n.STS, "\t",
			zone, "\t",
			"\n")
	}
	w.Flush()
	return nil
}

func (t *runCmd) selected() ([]conformanceCase, error) {
	if len(t.Case) == 0 {
		return cases, nil
	}
	var sel []conformanceCase
	for _, name := range t.Case {
		found := false
		for _, c := range cases {
			if c.Name == name {
				sel = append(sel, c)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown case %q", name)
		}
	}
	return sel, nil
}

func (t *runCmd) Run(ctx *context) error {
	if t.List {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		for _, c := range cases {
			fmt.Fprint(w, c.Name, "\t", c.Description, "\n")
		}
		return w.Flush()
	}
	sel, err := t.selected()
	if err != nil {
		return err
	}

	if !t.Simulated() && !t.Yes {
		var writes []string
		for _, c := range sel {
			if c.Writes && !c.SimOnly {
				writes = append(writes, c.Name)
			}
		}
		if len(writes) > 0 {
			ok, err := cmdutil.Confirm(t.Device, "Running "+strings.Join(writes, ", "))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("not confirmed, nothing was run")
			}
		}
	}

	var l core.Logger
	if t.Verbose {
		l = log.Default()
	}
	s, c, err := t.Open(l)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := newHarness(s, c, t.Timeout)
	if err != nil {
		return err
	}
	var results []Result
	failed := 0
	for _, tc := range sel {
		r := h.run(tc)
		if r.Outcome == OutcomeFail {
			failed++
		}
		results = append(results, r)
	}

	switch t.Output {
	case "json":
		if err := outputJSON(results); err != nil {
			return err
		}
	case "openmetrics":
		outputMetrics(t.Name(), results, s)
	default:
		outputTable(results, t.NoHeader)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cases failed", failed, len(results))
	}
	return nil
}

func outputJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %v", err)
	}
	os.Stdout.Write(b)
	fmt.Println()
	return nil
}

func outputTable(results []Result, noHeader bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !noHeader {
		fmt.Fprintf(w, "CASE\tRESULT\tTIME\tDETAIL\n")
	}
	for _, r := range results {
		detail := r.Detail
		if detail == "" {
			detail = "-"
		}
		fmt.Fprint(w,
			r.Case, "\t",
			strings.ToUpper(string(r.Outcome)), "\t",
			r.Duration.Round(time.Microsecond), "\t",
			detail, "\t",
			"\n")
	}
	w.Flush()
}
