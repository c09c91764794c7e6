// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

// Admin command set opcodes
const (
	AdminDeleteIOSQ   = 0x00
	AdminCreateIOSQ   = 0x01
	AdminGetLogPage   = 0x02
	AdminDeleteIOCQ   = 0x04
	AdminCreateIOCQ   = 0x05
	AdminIdentify     = 0x06
	AdminAbort        = 0x08
	AdminSetFeatures  = 0x09
	AdminGetFeatures  = 0x0a
	AdminFormatNVM    = 0x80
	AdminSecuritySend = 0x81
	AdminSecurityRecv = 0x82
)

// NVM and Zoned Namespace command set opcodes
const (
	CmdFlush              = 0x00
	CmdWrite              = 0x01
	CmdRead               = 0x02
	CmdWriteUncorrectable = 0x04
	CmdCompare            = 0x05
	CmdWriteZeroes        = 0x08
	CmdDatasetManagement  = 0x09
	CmdVerify             = 0x0c
	CmdCopy               = 0x19
	CmdZoneMgmtSend       = 0x79
	CmdZoneMgmtRecv       = 0x7a
	CmdZoneAppend         = 0x7d
)

// Identify CNS values
const (
	CNSNamespace        = 0x00
	CNSController       = 0x01
	CNSActiveNamespaces = 0x02
	CNSNamespaceCSI     = 0x05
)

// Command set identifiers
const (
	CSINVM   = 0x00
	CSIZoned = 0x02
)

// Read/write control field, the upper half of CDW12.
const (
	ControlLimitedRetry = 1 << 15
	ControlFUA          = 1 << 14
	ControlPRACT        = 1 << 13
	ControlPRCHKGuard   = 1 << 12
	ControlPRCHKApp     = 1 << 11
	ControlPRCHKRef     = 1 << 10
	ControlSTC          = 1 << 8

	ControlPRCHK = ControlPRCHKGuard | ControlPRCHKApp | ControlPRCHKRef
)

// Zone send actions, CDW13 bits 7:0 of Zone Management Send.
const (
	ZoneActionClose   = 0x1
	ZoneActionFinish  = 0x2
	ZoneActionOpen    = 0x3
	ZoneActionReset   = 0x4
	ZoneActionOffline = 0x5
)

// Copy descriptor formats, CDW12 bits 11:8 of Copy.
const (
	CopyFormat0 = 0 // 32 byte source range entries
	CopyFormat1 = 1 // 40 byte source range entries, 32b/64b guard tags
)

// CopyDescriptorSize returns the source range entry size of a format.
func CopyDescriptorSize(format uint8) int {
	if format == CopyFormat1 {
		return 40
	}
	return 32
}

// OpcodeName returns a human readable name for an opcode of the given queue
// kind.
func OpcodeName(admin bool, opc uint8) string {
	var names map[uint8]string
	if admin {
		names = adminNames
	} else {
		names = ioNames
	}
	if n, ok := names[opc]; ok {
		return n
	}
	return "Unknown"
}

var adminNames = map[uint8]string{
	AdminDeleteIOSQ:   "Delete I/O Submission Queue",
	AdminCreateIOSQ:   "Create I/O Submission Queue",
	AdminGetLogPage:   "Get Log Page",
	AdminDeleteIOCQ:   "Delete I/O Completion Queue",
	AdminCreateIOCQ:   "Create I/O Completion Queue",
	AdminIdentify:     "Identify",
	AdminAbort:        "Abort",
	AdminSetFeatures:  "Set Features",
	AdminGetFeatures:  "Get Features",
	AdminFormatNVM:    "Format NVM",
	AdminSecuritySend: "Security Send",
	AdminSecurityRecv: "Security Receive",
}

var ioNames = map[uint8]string{
	CmdFlush:              "Flush",
	CmdWrite:              "Write",
	CmdRead:               "Read",
	CmdWriteUncorrectable: "Write Uncorrectable",
	CmdCompare:            "Compare",
	CmdWriteZeroes:        "Write Zeroes",
	CmdDatasetManagement:  "Dataset Management",
	CmdVerify:             "Verify",
	CmdCopy:               "Copy",
	CmdZoneMgmtSend:       "Zone Management Send",
	CmdZoneMgmtRecv:       "Zone Management Receive",
	CmdZoneAppend:         "Zone Append",
}
