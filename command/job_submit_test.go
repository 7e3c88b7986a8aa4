// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/steward/ci"
)

func TestJobSubmitCommand(t *testing.T) {
	ci.Parallel(t)

	path := testConfigFile(t)
	ui := cli.NewMockUi()

	// The owning tenant must exist first.
	submit := &JobSubmitCommand{Meta: Meta{Ui: ui}}
	code := submit.Run([]string{"-config=" + path, "-tenant=tenant-studio", "-name=frame-render"})
	must.Eq(t, 3, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error submitting job")
	ui.ErrorWriter.Reset()

	add := &TenantAddCommand{Meta: Meta{Ui: ui}}
	code = add.Run([]string{"-config=" + path, "-id=tenant-studio", "-name=studio", "-guaranteed=30", "-max=60"})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))

	code = submit.Run([]string{
		"-config=" + path,
		"-id=job-frame-1", "-tenant=tenant-studio", "-name=frame-render",
		"-kind=render", "-priority=high", "-deadline=8h", "-duration=45m",
		"-cpu=8", "-memory=16", "-specializations=render", "-progressive",
	})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), `Submitted job "job-frame-1" for tenant "tenant-studio"`)

	// The job survived into the shared data dir; status shows it.
	status := &StatusCommand{Meta: Meta{Ui: ui}}
	code = status.Run([]string{"-config=" + path, "-tenant=tenant-studio"})
	must.Eq(t, 0, code, must.Sprint(ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), "job-frame-1")

	// An unknown priority class fails validation.
	ui.ErrorWriter.Reset()
	code = submit.Run([]string{"-config=" + path, "-tenant=tenant-studio", "-name=bad", "-priority=extreme"})
	must.Eq(t, 2, code)
}
