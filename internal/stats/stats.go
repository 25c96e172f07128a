// Package stats summarizes a capture index: inter-word gap distribution,
// parity and format error counts, per channel and overall.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"example.com/a429gate/internal/capture"
)

// GapStats describes the inter-word gap distribution in microseconds.
type GapStats struct {
	Count    int     `json:"count"`
	MeanUs   float64 `json:"meanUs"`
	MedianUs float64 `json:"medianUs"`
	P95Us    float64 `json:"p95Us"`
	MaxUs    float64 `json:"maxUs"`
	StdDevUs float64 `json:"stdDevUs"`
}

// ChannelStats aggregates one capture channel.
type ChannelStats struct {
	ChannelID     uint16   `json:"channelId"`
	Blocks        int      `json:"blocks"`
	Words         int      `json:"words"`
	HighWords     int      `json:"highWords"`
	LowWords      int      `json:"lowWords"`
	ParityFlagged int      `json:"parityFlagged"`
	ParityInvalid int      `json:"parityInvalid"`
	FormatErrors  int      `json:"formatErrors"`
	Buses         []uint8  `json:"buses"`
	Gap           GapStats `json:"gap"`
}

// CaptureStats is the whole-capture summary embedded in reports and
// printed by the scan command.
type CaptureStats struct {
	Path          string         `json:"path"`
	Size          int64          `json:"size"`
	Compressed    bool           `json:"compressed"`
	Blocks        int            `json:"blocks"`
	Words         int            `json:"words"`
	Resyncs       int            `json:"resyncs"`
	ParityFlagged int            `json:"parityFlagged"`
	ParityInvalid int            `json:"parityInvalid"`
	FormatErrors  int            `json:"formatErrors"`
	Gap           GapStats       `json:"gap"`
	Channels      []ChannelStats `json:"channels"`
}

type channelAccum struct {
	stats ChannelStats
	gaps  []float64
	buses map[uint8]bool
}

// Collect walks the index and computes the summary.
func Collect(idx *capture.CaptureIndex) CaptureStats {
	out := CaptureStats{}
	if idx == nil {
		return out
	}
	out.Path = idx.Path
	out.Size = idx.Size
	out.Compressed = idx.Compressed
	out.Resyncs = idx.Resyncs
	out.Blocks = len(idx.Blocks)

	channels := make(map[uint16]*channelAccum)
	var allGaps []float64

	for bi := range idx.Blocks {
		blk := &idx.Blocks[bi]
		acc := channels[blk.ChannelID]
		if acc == nil {
			acc = &channelAccum{
				stats: ChannelStats{ChannelID: blk.ChannelID},
				buses: make(map[uint8]bool),
			}
			channels[blk.ChannelID] = acc
		}
		acc.stats.Blocks++
		for _, rec := range blk.Records {
			out.Words++
			acc.stats.Words++
			acc.buses[rec.Bus] = true
			if rec.SpeedHigh {
				acc.stats.HighWords++
			} else {
				acc.stats.LowWords++
			}
			if rec.ParityFlag {
				out.ParityFlagged++
				acc.stats.ParityFlagged++
			}
			if rec.Word.CheckParity() != nil {
				out.ParityInvalid++
				acc.stats.ParityInvalid++
			}
			if rec.FormatError {
				out.FormatErrors++
				acc.stats.FormatErrors++
			}
			gapUs := float64(rec.GapTime0p1Us) / 10
			allGaps = append(allGaps, gapUs)
			acc.gaps = append(acc.gaps, gapUs)
		}
	}

	out.Gap = computeGapStats(allGaps)
	out.Channels = make([]ChannelStats, 0, len(channels))
	for _, acc := range channels {
		acc.stats.Gap = computeGapStats(acc.gaps)
		acc.stats.Buses = sortedBuses(acc.buses)
		out.Channels = append(out.Channels, acc.stats)
	}
	sort.Slice(out.Channels, func(i, j int) bool {
		return out.Channels[i].ChannelID < out.Channels[j].ChannelID
	})
	return out
}

func computeGapStats(gaps []float64) GapStats {
	if len(gaps) == 0 {
		return GapStats{}
	}
	sorted := make([]float64, len(gaps))
	copy(sorted, gaps)
	sort.Float64s(sorted)
	out := GapStats{
		Count:    len(sorted),
		MeanUs:   stat.Mean(sorted, nil),
		MedianUs: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95Us:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		MaxUs:    sorted[len(sorted)-1],
	}
	// StdDev of a single sample is NaN, which JSON cannot carry.
	if len(sorted) > 1 {
		out.StdDevUs = stat.StdDev(sorted, nil)
	}
	return out
}

func sortedBuses(set map[uint8]bool) []uint8 {
	out := make([]uint8, 0, len(set))
	for bus := range set {
		out = append(out, bus)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
