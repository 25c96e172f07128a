package stats

import (
	"encoding/json"
	"math"
	"testing"

	"example.com/a429gate/arinc429"
	"example.com/a429gate/internal/capture"
)

func rec(bus uint8, high bool, gap0p1Us uint32, word arinc429.Word) capture.Record {
	return capture.Record{Bus: bus, SpeedHigh: high, GapTime0p1Us: gap0p1Us, Word: word}
}

func TestCollect(t *testing.T) {
	good := arinc429.MustNew(0o203, 1, 0, 0)
	// Valid construction, then break the parity bit.
	badParity := arinc429.FromBits(good.Bits() ^ (1 << 14))

	flagged := rec(2, true, 300, good)
	flagged.ParityFlag = true
	formatErr := rec(1, true, 400, good)
	formatErr.FormatError = true

	idx := &capture.CaptureIndex{
		Path:    "sample.a429",
		Size:    1234,
		Resyncs: 1,
		Blocks: []capture.BlockIndex{
			{ChannelID: 1, Records: []capture.Record{
				rec(1, true, 100, good),
				rec(1, true, 200, badParity),
				flagged,
			}},
			{ChannelID: 1, Records: []capture.Record{formatErr}},
			{ChannelID: 5, Records: []capture.Record{
				rec(1, false, 800, good),
			}},
		},
	}

	got := Collect(idx)
	if got.Path != "sample.a429" || got.Size != 1234 || got.Resyncs != 1 {
		t.Fatalf("header fields = %q/%d/%d", got.Path, got.Size, got.Resyncs)
	}
	if got.Blocks != 3 {
		t.Fatalf("Blocks = %d, want 3", got.Blocks)
	}
	if got.Words != 5 {
		t.Fatalf("Words = %d, want 5", got.Words)
	}
	if got.ParityFlagged != 1 {
		t.Fatalf("ParityFlagged = %d, want 1", got.ParityFlagged)
	}
	if got.ParityInvalid != 1 {
		t.Fatalf("ParityInvalid = %d, want 1", got.ParityInvalid)
	}
	if got.FormatErrors != 1 {
		t.Fatalf("FormatErrors = %d, want 1", got.FormatErrors)
	}

	// Gaps are 10, 20, 30, 40, 80 us.
	if got.Gap.Count != 5 {
		t.Fatalf("gap count = %d, want 5", got.Gap.Count)
	}
	if got.Gap.MeanUs != 36 {
		t.Fatalf("gap mean = %v, want 36", got.Gap.MeanUs)
	}
	if got.Gap.MedianUs != 30 {
		t.Fatalf("gap median = %v, want 30", got.Gap.MedianUs)
	}
	if got.Gap.P95Us != 80 {
		t.Fatalf("gap p95 = %v, want 80", got.Gap.P95Us)
	}
	if got.Gap.MaxUs != 80 {
		t.Fatalf("gap max = %v, want 80", got.Gap.MaxUs)
	}
	wantStdDev := math.Sqrt((26*26 + 16*16 + 6*6 + 4*4 + 44*44) / 4.0)
	if math.Abs(got.Gap.StdDevUs-wantStdDev) > 1e-9 {
		t.Fatalf("gap stddev = %v, want %v", got.Gap.StdDevUs, wantStdDev)
	}

	if len(got.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(got.Channels))
	}
	ch1 := got.Channels[0]
	if ch1.ChannelID != 1 || ch1.Blocks != 2 || ch1.Words != 4 {
		t.Fatalf("channel 1 = %+v", ch1)
	}
	if ch1.HighWords != 4 || ch1.LowWords != 0 {
		t.Fatalf("channel 1 speeds = %d/%d, want 4/0", ch1.HighWords, ch1.LowWords)
	}
	if len(ch1.Buses) != 2 || ch1.Buses[0] != 1 || ch1.Buses[1] != 2 {
		t.Fatalf("channel 1 buses = %v, want [1 2]", ch1.Buses)
	}
	ch5 := got.Channels[1]
	if ch5.ChannelID != 5 || ch5.Words != 1 || ch5.LowWords != 1 {
		t.Fatalf("channel 5 = %+v", ch5)
	}
	if ch5.Gap.Count != 1 || ch5.Gap.MeanUs != 80 || ch5.Gap.StdDevUs != 0 {
		t.Fatalf("channel 5 gap = %+v", ch5.Gap)
	}

	// The summary is embedded into JSON reports, so it must marshal.
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
}

func TestCollectEmpty(t *testing.T) {
	got := Collect(nil)
	if got.Words != 0 || got.Blocks != 0 || len(got.Channels) != 0 {
		t.Fatalf("nil index stats = %+v", got)
	}
	got = Collect(&capture.CaptureIndex{})
	if got.Gap.Count != 0 || got.Gap.MeanUs != 0 {
		t.Fatalf("empty gap stats = %+v", got.Gap)
	}
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
}
