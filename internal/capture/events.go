package capture

// Event is emitted by an Engine while it records.
type Event interface {
	captureEvent()
}

// Listener receives capture events.
type Listener func(Event)

// FragmentProduced reports an encoded fragment accepted into the session.
type FragmentProduced struct {
	Seq  int
	Size int
}

// SampleCaptured reports a new point of the amplitude trace.
type SampleCaptured struct {
	Index int
	Value float64
}

type EndReason string

const (
	EndStopped  EndReason = "stopped"
	EndDisposed EndReason = "disposed"
	EndFailed   EndReason = "failed"
)

// CaptureEnded reports that a session is over.
type CaptureEnded struct {
	Reason EndReason
	Err    error
}

func (FragmentProduced) captureEvent() {}
func (SampleCaptured) captureEvent()   {}
func (CaptureEnded) captureEvent()     {}
