package cmdutil

import (
	"fmt"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/core"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/drive/sim"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

type TransportEmbed struct {
	Device     string        `optional:"" short:"d" env:"NVME_DEVICE" help:"Path to NVMe controller (e.g. /dev/nvme0), the simulated controller is used when empty"`
	Timeout    time.Duration `optional:"" env:"NVME_TIMEOUT" default:"5s" help:"Time to wait for completions"`
	SimBlocks  uint64        `optional:"" default:"256" help:"Logical blocks of each simulated namespace"`
	SimReverse bool          `optional:"" help:"Simulated controller completes the second command of a fused pair first"`
}

// Simulated reports whether no device was selected.
func (t *TransportEmbed) Simulated() bool {
	return t.Device == ""
}

// SimConfig is the simulated controller used without a device: a plain
// namespace, one with Type 1 protection and 16b guards, one with Type 2
// protection, 64b guards and storage tags, and a zoned namespace.
func (t *TransportEmbed) SimConfig() sim.Config {
	n := t.SimBlocks
	return sim.Config{
		ReverseFused: t.SimReverse,
		Namespaces: []sim.NamespaceConfig{
			{Blocks: n},
			{
				Blocks:      n,
				Formats:     []nvme.LBAFormat{{DataShift: 9}, {DataShift: 9, MetaSize: 8}},
				FormatIndex: 1,
				PIType:      pi.Type1,
			},
			{
				Blocks:  n,
				Formats: []nvme.LBAFormat{{DataShift: 12, MetaSize: 16, PIF: 2, STS: 16}},
				PIType:  pi.Type2,
			},
			{Blocks: n, ZoneSize: 16},
		},
	}
}

// Open returns a session on the selected controller. The simulated
// controller is returned as well when it was selected, nil otherwise.
func (t *TransportEmbed) Open(l core.Logger) (*core.Session, *sim.Controller, error) {
	opts := []core.SessionOpt{core.WithTimeout(t.Timeout)}
	if l != nil {
		opts = append(opts, core.WithLogger(l))
	}
	if !t.Simulated() {
		d, err := drive.Open(t.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("drive.Open(%s) failed: %v", t.Device, err)
		}
		return core.NewSession(d, opts...), nil, nil
	}
	c, err := sim.New(t.SimConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("sim.New() failed: %v", err)
	}
	return core.NewSession(c, opts...), c, nil
}

// Name is how the selected controller shows up in reports.
func (t *TransportEmbed) Name() string {
	if t.Simulated() {
		return "sim"
	}
	return t.Device
}
