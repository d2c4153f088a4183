package stream

import (
	"strings"

	"github.com/scribehub/scribed/pkg/stt"
)

// accumulator collects the final segments of one utterance until the STT
// backend signals the utterance boundary. Single-threaded: only the session's
// event loop touches it.
type accumulator struct {
	segments []stt.Segment
	startMs  int64
}

// Add appends a final segment. The first segment pins the utterance start.
func (a *accumulator) Add(seg stt.Segment) {
	if len(a.segments) == 0 {
		a.startMs = int64(seg.Start * 1000)
	}
	a.segments = append(a.segments, seg)
}

// Empty reports whether any segments are pending.
func (a *accumulator) Empty() bool { return len(a.segments) == 0 }

// LastEndMs returns the end offset of the newest segment, used when a stream
// finalizes mid-utterance with no boundary event.
func (a *accumulator) LastEndMs() int64 {
	if len(a.segments) == 0 {
		return 0
	}
	last := a.segments[len(a.segments)-1]
	return int64((last.Start + last.Duration) * 1000)
}

// Reset clears the accumulator for the next utterance.
func (a *accumulator) Reset() {
	a.segments = nil
	a.startMs = 0
}

// utterance is the collapsed form of one accumulated utterance.
type utterance struct {
	Transcript string
	Speaker    *int
	Confidence *float64
	StartMs    int64
	EndMs      int64
}

// Collapse folds the accumulated segments into a single utterance ending at
// endMs: texts whitespace-joined, speaker by majority vote over non-nil
// values, confidence the mean of non-nil values.
func (a *accumulator) Collapse(endMs int64) utterance {
	texts := make([]string, 0, len(a.segments))
	speakerVotes := make(map[int]int)
	var confSum float64
	var confCount int

	for _, seg := range a.segments {
		texts = append(texts, strings.TrimSpace(seg.Text))
		if seg.Speaker != nil {
			speakerVotes[*seg.Speaker]++
		}
		if seg.Confidence != nil {
			confSum += *seg.Confidence
			confCount++
		}
	}

	var speaker *int
	best := 0
	for s, votes := range speakerVotes {
		if votes > best || (votes == best && speaker != nil && s < *speaker) {
			v := s
			speaker = &v
			best = votes
		}
	}

	var confidence *float64
	if confCount > 0 {
		mean := confSum / float64(confCount)
		confidence = &mean
	}

	return utterance{
		Transcript: strings.Join(texts, " "),
		Speaker:    speaker,
		Confidence: confidence,
		StartMs:    a.startMs,
		EndMs:      endMs,
	}
}
