package codec

type flagPos uint8

const (
	allChannelsPresentFlagPos flagPos = 0
	timeRangesZeroFlagPos     flagPos = 1
	equalTimeRangesFlagPos    flagPos = 2
	equalLengthsFlagPos       flagPos = 3
	equalAlignmentsFlagPos    flagPos = 4
	zeroAlignmentsFlagPos     flagPos = 5
)

func (p flagPos) set(b byte, v bool) byte {
	if v {
		return b | 1<<p
	}
	return b &^ (1 << p)
}

func (p flagPos) get(b byte) bool { return b&(1<<p) != 0 }

// flags records which per-series fields an encoded frame omits.
type flags struct {
	// equalLens: every series has the same length, written once in the header.
	equalLens bool
	// equalTimeRanges: every series has the same time range, written once.
	equalTimeRanges bool
	// timeRangesZero: the shared time range is zero and omitted entirely.
	timeRangesZero bool
	// allChannelsPresent: the frame holds every schema channel, so keys are omitted.
	allChannelsPresent bool
	// equalAlignments: every series has the same alignment, written once.
	equalAlignments bool
	// zeroAlignments: the shared alignment is zero and omitted entirely.
	zeroAlignments bool
}

func newFlags() flags {
	return flags{
		equalLens:          true,
		equalTimeRanges:    true,
		timeRangesZero:     true,
		allChannelsPresent: true,
		equalAlignments:    true,
		zeroAlignments:     true,
	}
}

func (f flags) encode() byte {
	var b byte
	b = allChannelsPresentFlagPos.set(b, f.allChannelsPresent)
	b = timeRangesZeroFlagPos.set(b, f.timeRangesZero)
	b = equalTimeRangesFlagPos.set(b, f.equalTimeRanges)
	b = equalLengthsFlagPos.set(b, f.equalLens)
	b = equalAlignmentsFlagPos.set(b, f.equalAlignments)
	b = zeroAlignmentsFlagPos.set(b, f.zeroAlignments)
	return b
}

func decodeFlags(b byte) flags {
	return flags{
		allChannelsPresent: allChannelsPresentFlagPos.get(b),
		timeRangesZero:     timeRangesZeroFlagPos.get(b),
		equalTimeRanges:    equalTimeRangesFlagPos.get(b),
		equalLens:          equalLengthsFlagPos.get(b),
		equalAlignments:    equalAlignmentsFlagPos.get(b),
		zeroAlignments:     zeroAlignmentsFlagPos.get(b),
	}
}
