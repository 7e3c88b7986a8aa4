// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
)

func TestNodeAddCommand(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &NodeAddCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"extra"})
	must.Eq(t, 1, code)
	ui.ErrorWriter.Reset()

	// A node without cpu and memory fails validation.
	code = cmd.Run([]string{"-name=rack-7"})
	must.Eq(t, 2, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error registering node")
	ui.ErrorWriter.Reset()

	code = cmd.Run([]string{
		"-id=node-rack-7", "-name=rack-7",
		"-cpu=32", "-memory=128", "-gpu=2", "-gpu-model=a100",
		"-storage=1000", "-specializations=render,ml", "-power=750",
	})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), `Registered node "node-rack-7" (32 cores, 128 GB)`)
}
