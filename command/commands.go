// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
)

// Commands returns the mapping of CLI commands. The meta parameter lets
// callers set common options.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}
	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"tenant add": func() (cli.Command, error) {
			return &TenantAddCommand{Meta: meta}, nil
		},
		"node add": func() (cli.Command, error) {
			return &NodeAddCommand{Meta: meta}, nil
		},
		"job submit": func() (cli.Command, error) {
			return &JobSubmitCommand{Meta: meta}, nil
		},
		"job cancel": func() (cli.Command, error) {
			return &JobCancelCommand{Meta: meta}, nil
		},
		"job priority": func() (cli.Command, error) {
			return &JobPriorityCommand{Meta: meta}, nil
		},
		"energy mode": func() (cli.Command, error) {
			return &EnergyModeCommand{Meta: meta}, nil
		},
		"cycle run": func() (cli.Command, error) {
			return &CycleRunCommand{Meta: meta}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{Meta: meta}, nil
		},
		"audit list": func() (cli.Command, error) {
			return &AuditListCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta}, nil
		},
	}
}
