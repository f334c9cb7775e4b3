// Package effects colours reply audio before it is played: a pitch shift,
// a chorus, a resonant band-pass and a bit crusher, applied in that order to
// 16-bit mono PCM.
//
// A [Processor] carries chorus and filter state across chunks, so those
// effects do not click at chunk boundaries. The pitch shift works per chunk.
// A Processor is not safe for concurrent use.
package effects

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	chorusDelay  = 25 * time.Millisecond
	chorusDepth  = 0.4 // fraction of chorusDelay the LFO sweeps
	chorusRate   = 0.5 // LFO Hz
	resonanceQ   = 5.0
	resonanceWet = 0.3
)

// Config selects and tunes the effects.
type Config struct {
	// PitchShift is in semitones. Zero disables it.
	PitchShift float64 `yaml:"pitch_shift"`

	Chorus    bool    `yaml:"chorus"`
	ChorusMix float64 `yaml:"chorus_mix"`

	Resonance   bool    `yaml:"resonance"`
	ResonanceHz float64 `yaml:"resonance_hz"`

	Bitcrush     bool `yaml:"bitcrush"`
	BitcrushBits int  `yaml:"bitcrush_bits"`
}

// DefaultConfig returns the synthetic-voice preset.
func DefaultConfig() Config {
	return Config{
		PitchShift:   1.5,
		Chorus:       true,
		ChorusMix:    0.3,
		Resonance:    true,
		ResonanceHz:  1500,
		Bitcrush:     true,
		BitcrushBits: 12,
	}
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.PitchShift < -24 || c.PitchShift > 24 {
		errs = append(errs, errors.New("effects: pitch_shift must be within ±24 semitones"))
	}
	if c.ChorusMix < 0 || c.ChorusMix > 1 {
		errs = append(errs, errors.New("effects: chorus_mix must be in [0, 1]"))
	}
	if c.Resonance && c.ResonanceHz <= 0 {
		errs = append(errs, errors.New("effects: resonance_hz must be positive"))
	}
	if c.Bitcrush && (c.BitcrushBits < 1 || c.BitcrushBits > 16) {
		errs = append(errs, errors.New("effects: bitcrush_bits must be in [1, 16]"))
	}
	return errors.Join(errs...)
}

// Processor applies a [Config] to a stream at one sample rate.
type Processor struct {
	cfg   Config
	rate  int
	ratio float64

	// chorus
	delay int
	ring  []float64
	pos   int
	phase float64

	// resonance biquad, direct form II transposed
	b0, b2, a1, a2 float64
	z1, z2         float64
}

// New returns a Processor for audio at sampleRate Hz. A resonance frequency
// at or above Nyquist disables the resonance filter.
func New(cfg Config, sampleRate int) *Processor {
	p := &Processor{
		cfg:   cfg,
		rate:  sampleRate,
		ratio: math.Pow(2, cfg.PitchShift/12),
		delay: int(chorusDelay.Seconds() * float64(sampleRate)),
	}
	if p.delay < 1 {
		p.cfg.Chorus = false
	} else {
		p.ring = make([]float64, 2*p.delay)
	}
	if cfg.Resonance && cfg.ResonanceHz > 0 && cfg.ResonanceHz < float64(sampleRate)/2 {
		omega := 2 * math.Pi * cfg.ResonanceHz / float64(sampleRate)
		alpha := math.Sin(omega) / (2 * resonanceQ)
		a0 := 1 + alpha
		p.b0 = alpha / a0
		p.b2 = -alpha / a0
		p.a1 = -2 * math.Cos(omega) / a0
		p.a2 = (1 - alpha) / a0
	} else {
		p.cfg.Resonance = false
	}
	return p
}

// Process returns a processed copy of pcm. The output has the same length;
// a trailing odd byte is dropped.
func (p *Processor) Process(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}

	if p.cfg.PitchShift != 0 {
		x = p.pitch(x)
	}
	if p.cfg.Chorus {
		p.chorus(x)
	}
	if p.cfg.Resonance {
		p.resonance(x)
	}
	if p.cfg.Bitcrush {
		crush(x, p.cfg.BitcrushBits)
	}

	out := make([]byte, n*2)
	for i, v := range x {
		v = math.Max(-32768, math.Min(32767, v*32768))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// Reset clears the chorus and filter state, e.g. after an interruption.
func (p *Processor) Reset() {
	clear(p.ring)
	p.pos = 0
	p.phase = 0
	p.z1, p.z2 = 0, 0
}

// pitch resamples the chunk by the pitch ratio and pads or trims it back to
// its length. Raising the pitch leaves silence at the end of each chunk.
func (p *Processor) pitch(x []float64) []float64 {
	n := len(x)
	m := int(float64(n) / p.ratio)
	if m < 1 {
		return x
	}
	out := make([]float64, n)
	for i := range min(m, n) {
		pos := 0.0
		if m > 1 {
			pos = float64(i) * float64(n-1) / float64(m-1)
		}
		i0 := int(pos)
		i1 := min(i0+1, n-1)
		frac := pos - float64(i0)
		out[i] = x[i0]*(1-frac) + x[i1]*frac
	}
	return out
}

func (p *Processor) chorus(x []float64) {
	mix := p.cfg.ChorusMix
	size := len(p.ring)
	for i, s := range x {
		p.ring[p.pos] = s
		p.pos = (p.pos + 1) % size

		lfo := math.Sin(2 * math.Pi * p.phase)
		p.phase += chorusRate / float64(p.rate)
		if p.phase >= 1 {
			p.phase--
		}

		d := p.delay + int(lfo*float64(p.delay)*chorusDepth)
		read := ((p.pos-d)%size + size) % size
		x[i] = s*(1-mix) + p.ring[read]*mix
	}
}

func (p *Processor) resonance(x []float64) {
	for i, s := range x {
		y := p.b0*s + p.z1
		p.z1 = -p.a1*y + p.z2
		p.z2 = p.b2*s - p.a2*y
		x[i] = s*(1-resonanceWet) + y*resonanceWet
	}
}

func crush(x []float64, bits int) {
	half := math.Exp2(float64(bits)) / 2
	for i, s := range x {
		x[i] = math.RoundToEven(s*half) / half
	}
}
