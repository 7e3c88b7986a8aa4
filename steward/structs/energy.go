// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

const (
	// EnergyModePerformance schedules purely on fit; power draw is ignored.
	EnergyModePerformance = "performance"

	// EnergyModeBalanced penalizes high-power nodes during matching.
	EnergyModeBalanced = "balanced"

	// EnergyModeEfficiency additionally defers non-critical jobs with
	// ample deadline slack to the next off-peak window.
	EnergyModeEfficiency = "efficiency"
)

// ValidEnergyMode returns true for a recognized mode name.
func ValidEnergyMode(mode string) bool {
	switch mode {
	case EnergyModePerformance, EnergyModeBalanced, EnergyModeEfficiency:
		return true
	}
	return false
}
