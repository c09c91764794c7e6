// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package drive provides the channels commands travel through to an NVMe
// controller: the kernel passthrough interface of a real device and the
// interface the simulated controller in drive/sim implements.
package drive

import (
	"errors"
	"fmt"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

var (
	ErrNotSupported       = errors.New("operation is not supported")
	ErrDeviceNotSupported = errors.New("device is not supported")
	ErrQueueFull          = errors.New("submission queue is full")
	ErrNoQueue            = errors.New("queue does not exist")
	ErrClosed             = errors.New("transport is closed")
)

// BitBucket describes a range of a read's data buffer the controller is to
// discard instead of transferring.
type BitBucket struct {
	Offset int
	Length int
}

// Submission is a command together with the host memory it refers to. The
// transport fills the data pointers of the command from Data and Metadata;
// Data doubles as the backing memory for queue creation commands.
type Submission struct {
	Command    nvme.Command
	Data       []byte
	Metadata   []byte
	BitBuckets []BitBucket
	// RawPointers keeps PRP1, PRP2 and MPTR as set in Command instead of
	// deriving them from the buffers.
	RawPointers bool
}

func (s *Submission) String() string {
	return fmt.Sprintf("%s data=%d meta=%d", &s.Command, len(s.Data), len(s.Metadata))
}

// Transport is the command channel of one controller. Submit places a
// command on a submission queue and returns the command identifier it was
// given; nothing reaches the controller until the doorbell of that queue is
// rung. Reap returns at most max completions of a completion queue, waiting
// up to timeout for the first one. It may return fewer than were asked for.
type Transport interface {
	Submit(sqid uint16, s *Submission) (uint16, error)
	RingDoorbell(sqid uint16) error
	Reap(cqid uint16, max int, timeout time.Duration) ([]nvme.Completion, error)
	Closer
}

type Closer interface {
	Close() error
}

// Identity is a short summary of a controller used in logs and reports.
type Identity struct {
	Protocol     string
	SerialNumber string
	Model        string
	Firmware     string
}

func (i *Identity) String() string {
	return fmt.Sprintf("Protocol=%s, Model=%s, Serial=%s, Firmware=%s",
		i.Protocol, i.Model, i.SerialNumber, i.Firmware)
}

func IdentityOf(c *nvme.IdentifyController) *Identity {
	return &Identity{
		Protocol:     "NVMe",
		Model:        c.ModelNumber,
		SerialNumber: c.SerialNumber,
		Firmware:     c.Firmware,
	}
}
