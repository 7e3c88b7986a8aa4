// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"github.com/posener/complete"
)

// mergeAutocompleteFlags merges complete.Flags maps, later entries winning.
func mergeAutocompleteFlags(flags ...complete.Flags) complete.Flags {
	merged := make(complete.Flags, len(flags))
	for _, f := range flags {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}
