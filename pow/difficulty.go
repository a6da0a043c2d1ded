package pow

import (
	"math"

	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// Mode selects between the difficulty algorithm revisions.
type Mode uint8

const (
	ModeNormal Mode = iota
	// ModeOldLWMA also clamps negative solve times, as early mainnet did.
	ModeOldLWMA
)

// ModeFor returns the difficulty mode for the block at height on net.
func ModeFor(net params.NetType, height uint64) Mode {
	if net != params.Mainnet {
		return ModeNormal
	}
	if begins, ok := params.HardForkBegins(params.Mainnet, params.HF12Checkpointing); ok && height < begins {
		return ModeOldLWMA
	}
	return ModeNormal
}

// lwmaAdjust corrects the LWMA's slight bias towards slow blocks.
const lwmaAdjust = 0.998

// NextDifficulty is Zawy's LWMA-2 over up to DifficultyWindow solve times.
// timestamps and cumulative difficulties are ordered oldest first and have
// the same length.
func NextDifficulty(timestamps []uint64, cumulative []uint64, targetSeconds uint64, mode Mode) uint64 {
	if len(timestamps) != len(cumulative) {
		panic("pow: timestamps and cumulative difficulties differ in length")
	}
	if len(timestamps) < 4 {
		return 1
	}
	n := len(timestamps) - 1
	if n > params.DifficultyWindow {
		timestamps = timestamps[len(timestamps)-params.DifficultyWindow-1:]
		cumulative = cumulative[len(cumulative)-params.DifficultyWindow-1:]
		n = params.DifficultyWindow
	}

	t := int64(targetSeconds)
	k := float64(n*(n+1)) / 2
	var lwma, sumInverseD float64
	for i := 1; i <= n; i++ {
		solve := int64(timestamps[i]) - int64(timestamps[i-1])
		if mode == ModeOldLWMA {
			solve = max(solve, -7*t)
		}
		solve = min(solve, 7*t)
		d := cumulative[i] - cumulative[i-1]
		if d == 0 {
			d = 1
		}
		lwma += float64(solve*int64(i)) / k
		sumInverseD += 1 / float64(d)
	}
	harmonicMean := float64(n) / sumInverseD
	if int64(math.Round(lwma)) < t/20 {
		lwma = float64(t / 20)
	}
	next := uint64(harmonicMean * float64(t) / lwma * lwmaAdjust)
	if next == 0 {
		return 1
	}
	return next
}
