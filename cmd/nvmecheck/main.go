// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/alecthomas/kong"
)

const (
	programName = "nvmecheck"
	programDesc = "NVMe conformance harness"
)

func main() {
	// Parse kong flags and sub-commands, with defaults from a JSON file
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "/etc/nvmecheck.json", "~/.config/nvmecheck.json"),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Run the command
	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}
