package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// defaultMinSpeechFrames is how many consecutive speech frames wake a
// [SpeechTrigger] when MinFrames is zero.
const defaultMinSpeechFrames = 3

// SpeechTrigger waits, between sessions, for the user to start talking. It
// captures from its own source and feeds a VAD session until MinFrames
// consecutive frames are speech.
//
// Wait matches [ReconnectorConfig.Rearm].
type SpeechTrigger struct {
	// Source opens a fresh capture device for one wait.
	Source func() (audio.Source, error)

	// Engine and VAD build the detector.
	Engine vad.Engine
	VAD    vad.Config

	// MinFrames defaults to 3.
	MinFrames int

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Wait blocks until speech is heard, ctx is cancelled or the capture device
// fails. It returns nil on speech and ctx.Err() on cancellation. The source
// and detector are released before Wait returns.
func (t *SpeechTrigger) Wait(ctx context.Context) (err error) {
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	need := t.MinFrames
	if need <= 0 {
		need = defaultMinSpeechFrames
	}

	det, err := t.Engine.NewSession(t.VAD)
	if err != nil {
		return fmt.Errorf("session: open wake detector: %w", err)
	}
	defer det.Close()

	src, err := t.Source()
	if err != nil {
		return fmt.Errorf("session: open wake source: %w", err)
	}
	if err := src.Start(ctx); err != nil {
		return deviceErr("input", audio.OpOpen, err)
	}
	defer func() {
		if stopErr := src.Stop(); stopErr != nil && err == nil {
			err = deviceErr("input", audio.OpClose, stopErr)
		}
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := src.Stream(sctx)
	defer func() { go audio.Drain(frames) }()

	log.Info("waiting for speech to start a session")
	run := 0
	for frame := range frames {
		ev, err := det.ProcessFrame(frame.Data)
		if err != nil {
			return fmt.Errorf("session: wake detector: %w", err)
		}
		if ev.Type != vad.SpeechStart && ev.Type != vad.SpeechContinue {
			run = 0
			continue
		}
		run++
		if run >= need {
			log.Info("speech detected; starting session")
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if srcErr := src.Err(); srcErr != nil {
		return deviceErr("input", audio.OpRead, srcErr)
	}
	return errors.New("session: wake source closed")
}
