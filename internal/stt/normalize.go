package stt

import (
	"math"
	"strings"

	"google.golang.org/protobuf/types/known/durationpb"
)

func secondsFromMillis(ms float64) float64 {
	return ms / 1000.0
}

// secondsFromDuration converts a seconds+nanos pair to float seconds.
func secondsFromDuration(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return float64(d.GetSeconds()) + float64(d.GetNanos())/1e9
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// confidenceFromLogprob maps a log probability to [0,1].
func confidenceFromLogprob(lp float64) float64 {
	return clampConfidence(math.Exp(lp))
}

func confidencePtr(c float64) *float64 {
	c = clampConfidence(c)
	return &c
}

func countFields(s string) int {
	return len(strings.Fields(s))
}

// averageConfidence averages word confidences, returning 0 when none are set.
func averageConfidence(words []Word) float64 {
	var sum float64
	var n int
	for _, w := range words {
		if w.Confidence != nil {
			sum += *w.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return clampConfidence(sum / float64(n))
}

// wordsFromText synthesizes evenly spaced word timings across [start, end]
// for backends that only return segment-level timestamps.
func wordsFromText(text string, start, end float64, conf *float64) []Word {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	step := (end - start) / float64(len(tokens))
	words := make([]Word, len(tokens))
	for i, tok := range tokens {
		words[i] = Word{
			Word:       tok,
			StartTime:  start + float64(i)*step,
			EndTime:    start + float64(i+1)*step,
			Confidence: conf,
		}
	}
	return words
}
