package session

import (
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// BargeInMode selects where interruptions of a playing reply come from.
// Interruption events sent by the remote link are honoured in every mode.
type BargeInMode int

const (
	// BargeInLink relies on the remote service alone.
	BargeInLink BargeInMode = iota
	// BargeInLocal cuts playback when the local detector hears speech. The
	// remote service is not told; the rest of the interrupted turn is
	// discarded as it arrives.
	BargeInLocal
	// BargeInBoth cuts playback locally and also asks the link to cancel
	// the reply via [s2s.SessionHandle.Interrupt].
	BargeInBoth
)

// String returns the configuration spelling of m.
func (m BargeInMode) String() string {
	switch m {
	case BargeInLink:
		return "link"
	case BargeInLocal:
		return "local"
	case BargeInBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ParseBargeInMode parses "link", "local" or "both". The empty string is
// [BargeInLink].
func ParseBargeInMode(s string) (BargeInMode, error) {
	switch s {
	case "", "link":
		return BargeInLink, nil
	case "local":
		return BargeInLocal, nil
	case "both":
		return BargeInBoth, nil
	default:
		return BargeInLink, fmt.Errorf("session: unknown barge-in mode %q (want link, local or both)", s)
	}
}

// local reports whether the mode uses a local detector.
func (m BargeInMode) local() bool { return m == BargeInLocal || m == BargeInBoth }

// BargeInDetector decides, frame by frame, whether the user is speaking.
// Detect is called from the send loop only and must not block.
type BargeInDetector interface {
	// Detect reports whether frame contains user speech.
	Detect(frame audio.AudioFrame) (speech bool, err error)

	// Reset clears any per-utterance state. The session calls it after each
	// interruption.
	Reset()

	// Close releases the detector.
	Close() error
}

// vadBargeIn adapts a [vad.SessionHandle] to [BargeInDetector].
type vadBargeIn struct {
	mu   sync.Mutex
	sess vad.SessionHandle
}

var _ BargeInDetector = (*vadBargeIn)(nil)

// NewVADBargeIn opens a VAD session on engine and returns a detector that
// reports speech while the session is in a speech segment.
func NewVADBargeIn(engine vad.Engine, cfg vad.Config) (BargeInDetector, error) {
	sess, err := engine.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("session: open vad: %w", err)
	}
	return &vadBargeIn{sess: sess}, nil
}

func (d *vadBargeIn) Detect(frame audio.AudioFrame) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, err := d.sess.ProcessFrame(frame.Data)
	if err != nil {
		return false, err
	}
	return ev.Type == vad.SpeechStart || ev.Type == vad.SpeechContinue, nil
}

func (d *vadBargeIn) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sess.Reset()
}

func (d *vadBargeIn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess.Close()
}
