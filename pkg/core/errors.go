// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

// Error classes. Every error the package returns matches exactly one of them
// with errors.Is; the structured types below carry the details.
var (
	ErrConfig            = pi.ErrConfig
	ErrBounds            = errors.New("payload exceeds buffer")
	ErrTransport         = errors.New("transport failure")
	ErrTimedOut          = errors.New("timed out waiting for completions")
	ErrStatusMismatch    = errors.New("unexpected completion status")
	ErrProtocolViolation = errors.New("protocol violation")
)

// BoundsError reports a transfer that does not fit the buffer it was given.
type BoundsError struct {
	What     string
	Need     int
	Capacity int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s needs %d bytes, buffer holds %d", e.What, e.Need, e.Capacity)
}

func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

// TransportError wraps a failure of the underlying transport unchanged.
type TransportError struct {
	Op  string
	QID uint16
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on queue %d: %v", e.Op, e.QID, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a reap that collected fewer completions than asked for
// within its deadline. Partial holds the ones that did arrive.
type TimeoutError struct {
	CQID    uint16
	Want    int
	Got     int
	Partial []nvme.Completion
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("completion queue %d: reaped %d of %d completions", e.CQID, e.Got, e.Want)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// StatusMismatchError reports a completion whose status differs from the
// expectation.
type StatusMismatchError struct {
	Expected nvme.Status
	Actual   nvme.Status
	CID      uint16
	SQID     uint16
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("sq %d cid %d: status %v, expected %v", e.SQID, e.CID, e.Actual, e.Expected)
}

func (e *StatusMismatchError) Is(target error) bool { return target == ErrStatusMismatch }

// ProtocolError reports use of the engine or a completion that breaks the
// queueing protocol: an unknown command identifier, an accounting underflow
// or queues created or deleted out of order.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}
