// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

// MaxSubsets bounds the number of subsets ForEachSubset visits.  Mixnets are
// small, so this is only reached for misconfigured thresholds.
const MaxSubsets = 1 << 16

// ForEachSubset calls fn with every k-element subset of the indexes [0,n) in
// lexicographic order, stopping early when fn returns false or after
// MaxSubsets subsets.  The slice passed to fn is reused between calls.
func ForEachSubset(n, k int, fn func(idx []int) bool) {
	if k < 0 || k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for visited := 0; visited < MaxSubsets; visited++ {
		if !fn(idx) {
			return
		}
		// Advance to the next combination.
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
