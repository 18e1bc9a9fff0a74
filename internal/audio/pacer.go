package audio

import (
	"context"
	"time"
)

const (
	// FrameBytes is one 20 ms mu-law frame at 8 kHz.
	FrameBytes = 160
	// FrameInterval is the real-time spacing the carrier expects between frames.
	FrameInterval = 20 * time.Millisecond
	// JitterBytes is how much mu-law must accumulate before transmission begins
	// (100 ms pre-roll, applied per utterance).
	JitterBytes = 800
)

// FrameSink receives paced outbound mu-law frames.
type FrameSink interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Pacer converts a stream of 24 kHz PCM chunks into 160-byte mu-law frames
// delivered to a FrameSink at 20 ms wall-clock spacing. Transmission holds off
// until JitterBytes of mu-law have accumulated so that bursty TTS output does
// not starve the carrier mid-utterance.
type Pacer struct {
	sink         FrameSink
	pendingPCM   []byte
	pendingMulaw []byte
	started      bool
	sent         int
}

// NewPacer creates a pacer writing to sink. A pacer is single-utterance:
// create one per Speak and Flush it when the TTS stream ends.
func NewPacer(sink FrameSink) *Pacer {
	return &Pacer{sink: sink}
}

// Push buffers a PCM chunk and transmits any frames that are ready.
// PCM is consumed in multiples of 6 bytes (three input samples per output
// sample); the remainder is held for the next chunk.
func (p *Pacer) Push(ctx context.Context, pcm []byte) error {
	p.pendingPCM = append(p.pendingPCM, pcm...)

	usable := len(p.pendingPCM) / 6 * 6
	if usable > 0 {
		pcm8k := Resample24kTo8k(p.pendingPCM[:usable])
		p.pendingMulaw = append(p.pendingMulaw, LinearBufToMulaw(pcm8k)...)
		p.pendingPCM = p.pendingPCM[usable:]
	}

	if !p.started {
		if len(p.pendingMulaw) < JitterBytes {
			return nil
		}
		p.started = true
	}

	return p.drainFull(ctx)
}

// Flush transmits everything still buffered, including a trailing
// possibly-undersized frame, regardless of the jitter threshold.
func (p *Pacer) Flush(ctx context.Context) error {
	p.started = true
	if err := p.drainFull(ctx); err != nil {
		return err
	}
	if len(p.pendingMulaw) > 0 {
		tail := p.pendingMulaw
		p.pendingMulaw = nil
		return p.writeFrame(ctx, tail)
	}
	return nil
}

// FramesSent returns the number of frames delivered so far.
func (p *Pacer) FramesSent() int { return p.sent }

// drainFull sends every complete 160-byte frame currently buffered.
func (p *Pacer) drainFull(ctx context.Context) error {
	for len(p.pendingMulaw) >= FrameBytes {
		frame := p.pendingMulaw[:FrameBytes]
		p.pendingMulaw = p.pendingMulaw[FrameBytes:]
		if err := p.writeFrame(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame delivers one frame, observing the 20 ms wall-clock spacing.
// The first frame of an utterance goes out immediately; every later frame
// waits out the full interval. Real-time pacing is never skipped: the carrier
// plays frames as they arrive and cannot absorb a burst.
func (p *Pacer) writeFrame(ctx context.Context, frame []byte) error {
	if p.sent > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(FrameInterval):
		}
	}
	if err := p.sink.WriteFrame(ctx, frame); err != nil {
		return err
	}
	p.sent++
	return nil
}

// PlayMulaw drains a fully pre-generated mu-law buffer into sink at frame
// cadence. Used for the pre-generated opening utterance, where synthesis
// completed before the media stream was ready.
func PlayMulaw(ctx context.Context, sink FrameSink, mulaw []byte) (int, error) {
	sent := 0
	for off := 0; off < len(mulaw); off += FrameBytes {
		end := off + FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		if sent > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(FrameInterval):
			}
		}
		if err := sink.WriteFrame(ctx, mulaw[off:end]); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
