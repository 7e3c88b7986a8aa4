// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
)

func TestStatusCommand(t *testing.T) {
	ci.Parallel(t)

	path := testConfigFile(t)
	ui := cli.NewMockUi()

	status := &StatusCommand{Meta: Meta{Ui: ui}}
	code := status.Run([]string{"-config=" + path})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), "No tenants, nodes or jobs registered")
	ui.OutputWriter.Reset()

	add := &TenantAddCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 0, add.Run([]string{"-config=" + path, "-id=tenant-studio", "-name=studio", "-guaranteed=30", "-max=60"}))
	node := &NodeAddCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 0, node.Run([]string{"-config=" + path, "-id=node-rack-7", "-name=rack-7", "-cpu=32", "-memory=128"}))
	ui.OutputWriter.Reset()

	code = status.Run([]string{"-config=" + path})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	out := ui.OutputWriter.String()
	must.StrContains(t, out, "Tenants")
	must.StrContains(t, out, "tenant-studio")
	must.StrContains(t, out, "Nodes")
	must.StrContains(t, out, "node-rack-7")
}

func TestVersionCommand(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &VersionCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 0, cmd.Run(nil))
	must.StrContains(t, ui.OutputWriter.String(), "Steward")
}
