package wire

import "sync/atomic"

// SwitchableStream couples a DataStream with a counter of source switches.
// The continuation controller splices each follow-up model stream into the
// same underlying DataStream so the client observes one continuous response;
// Switch records each splice.
type SwitchableStream struct {
	*DataStream
	switches atomic.Int32
}

func NewSwitchableStream(transforms ...FrameTransform) *SwitchableStream {
	return &SwitchableStream{DataStream: NewDataStream(transforms...)}
}

// Switch records a source switch and returns the new count.
func (s *SwitchableStream) Switch() int {
	return int(s.switches.Add(1))
}

// Switches returns how many times the source has been switched.
func (s *SwitchableStream) Switches() int {
	return int(s.switches.Load())
}
