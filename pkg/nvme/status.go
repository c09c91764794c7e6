// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import "fmt"

// Status is a status code type and status code pair, encoded as SCT<<8 | SC.
type Status uint16

// Status code types
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMedia           = 0x2
	SCTPath            = 0x3
	SCTVendor          = 0x7
)

func MakeStatus(sct, sc uint8) Status {
	return Status(uint16(sct&0x7)<<8 | uint16(sc))
}

func (s Status) SCT() uint8 { return uint8(s>>8) & 0x7 }

func (s Status) SC() uint8 { return uint8(s) }

func (s Status) Success() bool { return s == StatusSuccess }

// Generic command status, NVMe Base Specification 2.0 figure 102 and NVM
// Command Set Specification figure 50.
const (
	StatusSuccess                  Status = 0x000
	StatusInvalidOpcode            Status = 0x001
	StatusInvalidField             Status = 0x002
	StatusCIDConflict              Status = 0x003
	StatusDataTransferError        Status = 0x004
	StatusAbortedPowerLoss         Status = 0x005
	StatusInternalError            Status = 0x006
	StatusAbortRequested           Status = 0x007
	StatusAbortedSQDeletion        Status = 0x008
	StatusAbortedFailedFused       Status = 0x009
	StatusAbortedMissingFused      Status = 0x00a
	StatusInvalidNamespace         Status = 0x00b
	StatusCommandSequenceError     Status = 0x00c
	StatusInvalidSGLSegment        Status = 0x00d
	StatusInvalidSGLCount          Status = 0x00e
	StatusDataSGLLengthInvalid     Status = 0x00f
	StatusMetadataSGLLengthInvalid Status = 0x010
	StatusSGLTypeInvalid           Status = 0x011
	StatusPRPOffsetInvalid         Status = 0x013
	StatusLBAOutOfRange            Status = 0x080
	StatusCapacityExceeded         Status = 0x081
	StatusNamespaceNotReady        Status = 0x082
	StatusReservationConflict      Status = 0x083
	StatusFormatInProgress         Status = 0x084
)

// Command specific status
const (
	StatusCQInvalid              Status = 0x100
	StatusInvalidQID             Status = 0x101
	StatusInvalidQueueSize       Status = 0x102
	StatusAbortLimitExceeded     Status = 0x103
	StatusInvalidInterruptVector Status = 0x108
	StatusInvalidLogPage         Status = 0x109
	StatusInvalidFormat          Status = 0x10a
	StatusInvalidQueueDeletion   Status = 0x10c
	StatusConflictingAttributes  Status = 0x180
	StatusInvalidPI              Status = 0x181
	StatusWriteToROLBARange      Status = 0x182
	StatusCopyRangesExceeded     Status = 0x183
	StatusZoneBoundaryError      Status = 0x1b8
	StatusZoneFull               Status = 0x1b9
	StatusZoneReadOnly           Status = 0x1ba
	StatusZoneOffline            Status = 0x1bb
	StatusZoneInvalidWrite       Status = 0x1bc
	StatusZoneTooManyActive      Status = 0x1bd
	StatusZoneTooManyOpen        Status = 0x1be
	StatusZoneInvalidTransition  Status = 0x1bf
)

// Media and data integrity errors
const (
	StatusWriteFault           Status = 0x280
	StatusUnrecoveredRead      Status = 0x281
	StatusGuardCheckError      Status = 0x282
	StatusAppTagCheckError     Status = 0x283
	StatusRefTagCheckError     Status = 0x284
	StatusCompareFailure       Status = 0x285
	StatusAccessDenied         Status = 0x286
	StatusDeallocatedBlock     Status = 0x287
	StatusStorageTagCheckError Status = 0x288
)

var statusNames = map[Status]string{
	StatusSuccess:                  "Successful Completion",
	StatusInvalidOpcode:            "Invalid Command Opcode",
	StatusInvalidField:             "Invalid Field in Command",
	StatusCIDConflict:              "Command ID Conflict",
	StatusDataTransferError:        "Data Transfer Error",
	StatusAbortedPowerLoss:         "Commands Aborted due to Power Loss Notification",
	StatusInternalError:            "Internal Error",
	StatusAbortRequested:           "Command Abort Requested",
	StatusAbortedSQDeletion:        "Command Aborted due to SQ Deletion",
	StatusAbortedFailedFused:       "Command Aborted due to Failed Fused Command",
	StatusAbortedMissingFused:      "Command Aborted due to Missing Fused Command",
	StatusInvalidNamespace:         "Invalid Namespace or Format",
	StatusCommandSequenceError:     "Command Sequence Error",
	StatusInvalidSGLSegment:        "Invalid SGL Segment Descriptor",
	StatusInvalidSGLCount:          "Invalid Number of SGL Descriptors",
	StatusDataSGLLengthInvalid:     "Data SGL Length Invalid",
	StatusMetadataSGLLengthInvalid: "Metadata SGL Length Invalid",
	StatusSGLTypeInvalid:           "SGL Descriptor Type Invalid",
	StatusPRPOffsetInvalid:         "PRP Offset Invalid",
	StatusLBAOutOfRange:            "LBA Out of Range",
	StatusCapacityExceeded:         "Capacity Exceeded",
	StatusNamespaceNotReady:        "Namespace Not Ready",
	StatusReservationConflict:      "Reservation Conflict",
	StatusFormatInProgress:         "Format In Progress",
	StatusCQInvalid:                "Completion Queue Invalid",
	StatusInvalidQID:               "Invalid Queue Identifier",
	StatusInvalidQueueSize:         "Invalid Queue Size",
	StatusAbortLimitExceeded:       "Abort Command Limit Exceeded",
	StatusInvalidInterruptVector:   "Invalid Interrupt Vector",
	StatusInvalidLogPage:           "Invalid Log Page",
	StatusInvalidFormat:            "Invalid Format",
	StatusInvalidQueueDeletion:     "Invalid Queue Deletion",
	StatusConflictingAttributes:    "Conflicting Attributes",
	StatusInvalidPI:                "Invalid Protection Information",
	StatusWriteToROLBARange:        "Attempted Write to Read Only Range",
	StatusCopyRangesExceeded:       "Command Size Limit Exceeded",
	StatusZoneBoundaryError:        "Zone Boundary Error",
	StatusZoneFull:                 "Zone Is Full",
	StatusZoneReadOnly:             "Zone Is Read Only",
	StatusZoneOffline:              "Zone Is Offline",
	StatusZoneInvalidWrite:         "Zone Invalid Write",
	StatusZoneTooManyActive:        "Too Many Active Zones",
	StatusZoneTooManyOpen:          "Too Many Open Zones",
	StatusZoneInvalidTransition:    "Invalid Zone State Transition",
	StatusWriteFault:               "Write Fault",
	StatusUnrecoveredRead:          "Unrecovered Read Error",
	StatusGuardCheckError:          "End-to-end Guard Check Error",
	StatusAppTagCheckError:         "End-to-end Application Tag Check Error",
	StatusRefTagCheckError:         "End-to-end Reference Tag Check Error",
	StatusCompareFailure:           "Compare Failure",
	StatusAccessDenied:             "Access Denied",
	StatusDeallocatedBlock:         "Deallocated or Unwritten Logical Block",
	StatusStorageTagCheckError:     "End-to-end Storage Tag Check Error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (%#03x)", n, uint16(s))
	}
	return fmt.Sprintf("SCT %#x SC %#02x", s.SCT(), s.SC())
}
