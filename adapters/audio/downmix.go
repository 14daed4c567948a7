package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

const outputBitDepth = 16

// downmix averages all channels of src and writes target as 16-bit mono PCM WAV.
func downmix(src, target string, f format) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var (
		mono       []int
		sampleRate int
	)
	switch f.mediaType {
	case formatWAV.mediaType:
		mono, sampleRate, err = downmixWAV(in)
	case formatMP3.mediaType:
		mono, sampleRate, err = downmixMP3(in)
	default:
		mono, sampleRate, err = downmixOGG(in)
	}
	if err != nil {
		return fmt.Errorf("downmixing %s: %w", filepath.Base(src), err)
	}
	return writeMonoWAV(target, sampleRate, mono)
}

func downmixWAV(r io.ReadSeeker) ([]int, int, error) {
	d := wav.NewDecoder(r)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	channels := buf.Format.NumChannels
	bitDepth := int(d.BitDepth)
	mono := make([]int, len(buf.Data)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i*channels+c], bitDepth)
		}
		mono[i] = sum / channels
	}
	return mono, buf.Format.SampleRate, nil
}

// to16 rescales a decoded integer sample to the signed 16-bit range. 8-bit WAV is unsigned.
func to16(v, bitDepth int) int {
	switch {
	case bitDepth == 8:
		return (v - 128) << 8
	case bitDepth > 16:
		return v >> (bitDepth - 16)
	default:
		return v
	}
}

func downmixMP3(r io.Reader) ([]int, int, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, 0, err
	}
	mono := make([]int, len(pcm)/4)
	for i := range mono {
		left := int(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		right := int(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		mono[i] = (left + right) / 2
	}
	return mono, d.SampleRate(), nil
}

func downmixOGG(r io.Reader) ([]int, int, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	channels := format.Channels
	mono := make([]int, len(data)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		v := float64(sum) / float64(channels)
		mono[i] = int(math.Max(-1, math.Min(1, v)) * math.MaxInt16)
	}
	return mono, format.SampleRate, nil
}

// writeMonoWAV encodes to a temporary file next to target and renames it into place.
func writeMonoWAV(target string, sampleRate int, samples []int) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := wav.NewEncoder(tmp, sampleRate, outputBitDepth, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: outputBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing %s: %w", target, err)
	}
	return nil
}
