package audio

import "time"

// Segment is a bounded time slice of a longer recording, transcribed on its own.
type Segment struct {
	Index   int
	Offset  time.Duration
	Samples []float32
}

// Duration of the segment at sampleRate.
func (s Segment) Duration(sampleRate int) time.Duration {
	return Duration(len(s.Samples), sampleRate)
}

// Split cuts samples into consecutive segments of the given length. The last
// segment holds the remainder and may be shorter. Segments share the backing
// array with samples.
func Split(samples []float32, sampleRate int, length time.Duration) []Segment {
	if len(samples) == 0 {
		return nil
	}
	per := int(length.Seconds() * float64(sampleRate))
	if per <= 0 || per >= len(samples) {
		return []Segment{{Index: 0, Offset: 0, Samples: samples}}
	}
	segments := make([]Segment, 0, (len(samples)+per-1)/per)
	for start, idx := 0, 0; start < len(samples); start, idx = start+per, idx+1 {
		end := min(start+per, len(samples))
		segments = append(segments, Segment{
			Index:   idx,
			Offset:  Duration(start, sampleRate),
			Samples: samples[start:end],
		})
	}
	return segments
}
