package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-julius/internal/spool"
)

// PCM is a raw 16-bit little-endian sample stream ready for the decoder.
type PCM struct {
	io.Reader
	// WAV is set when the input carried a RIFF/WAVE header that was stripped.
	WAV        bool
	SampleRate int
	Channels   int
	buf        *spool.Buffer
}

// Close releases the spool backing a decoded WAV stream.
func (p *PCM) Close() error {
	if p == nil || p.buf == nil {
		return nil
	}
	return p.buf.Close()
}

// ToPCM rewinds r and returns its contents as raw PCM. WAV input is decoded and
// re-encoded into a spool bounded by threshold; other input is passed through.
func ToPCM(r io.ReadSeeker, threshold int, dir string) (*PCM, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind audio: %w", err)
	}
	header := make([]byte, 12)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read audio header: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind audio: %w", err)
	}
	if !isWAV(header[:n]) {
		return &PCM{Reader: r}, nil
	}

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind audio: %w", err)
		}
		return &PCM{Reader: r}, nil
	}

	out := spool.New(threshold, dir)
	if err := decodeChunks(dec, out); err != nil {
		out.Close()
		return nil, err
	}
	reader, err := out.Reader()
	if err != nil {
		out.Close()
		return nil, err
	}
	return &PCM{
		Reader:     reader,
		WAV:        true,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		buf:        out,
	}, nil
}

func isWAV(header []byte) bool {
	return len(header) == 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE"))
}

// decodeChunkSamples bounds the samples held in memory while decoding.
const decodeChunkSamples = 32 * 1024

// decodeChunks streams the PCM chunk of dec into w one fixed-size block at a time.
func decodeChunks(dec *wav.Decoder, w io.Writer) error {
	bitDepth := int(dec.BitDepth)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
		Data:           make([]int, decodeChunkSamples),
		SourceBitDepth: bitDepth,
	}
	out := make([]byte, 0, decodeChunkSamples*2)
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 {
			return nil
		}
		out = appendSamples(out[:0], buf.Data[:n], bitDepth)
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("write pcm: %w", err)
		}
	}
}

// appendSamples converts samples of the given depth to 16-bit little endian.
func appendSamples(dst []byte, samples []int, bitDepth int) []byte {
	for _, s := range samples {
		switch {
		case bitDepth == 8:
			s = (s - 128) << 8
		case bitDepth > 16:
			s >>= bitDepth - 16
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s)))
	}
	return dst
}

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
