package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

type probeInfo struct {
	duration time.Duration
	channels int
}

func probe(path string, f format) (probeInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return probeInfo{}, err
	}
	defer file.Close()

	switch f.mediaType {
	case formatWAV.mediaType:
		return probeWAV(file)
	case formatMP3.mediaType:
		return probeMP3(file)
	default:
		return probeOGG(file)
	}
}

func probeWAV(r io.ReadSeeker) (probeInfo, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return probeInfo{}, errors.New("not a valid wav file")
	}
	if err := d.FwdToPCM(); err != nil {
		return probeInfo{}, fmt.Errorf("locating wav data: %w", err)
	}
	frameSize := int(d.NumChans) * int(d.BitDepth) / 8
	if frameSize == 0 || d.SampleRate == 0 {
		return probeInfo{}, errors.New("wav header has no audio format")
	}
	frames := d.PCMSize / frameSize
	return probeInfo{
		duration: time.Duration(frames) * time.Second / time.Duration(d.SampleRate),
		channels: int(d.NumChans),
	}, nil
}

// go-mp3 always decodes to 16-bit stereo, so the channel count comes from the frame header.
func probeMP3(r io.ReadSeeker) (probeInfo, error) {
	channels, err := mp3Channels(r)
	if err != nil {
		return probeInfo{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return probeInfo{}, err
	}
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return probeInfo{}, fmt.Errorf("decoding mp3: %w", err)
	}
	length := d.Length()
	if length < 0 {
		return probeInfo{}, errors.New("mp3 length unknown")
	}
	const bytesPerFrame = 4
	samples := length / bytesPerFrame
	return probeInfo{
		duration: time.Duration(samples) * time.Second / time.Duration(d.SampleRate()),
		channels: channels,
	}, nil
}

func probeOGG(r io.Reader) (probeInfo, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return probeInfo{}, fmt.Errorf("decoding ogg vorbis: %w", err)
	}
	if format.Channels <= 0 || format.SampleRate <= 0 {
		return probeInfo{}, errors.New("ogg stream has no audio format")
	}
	samples := len(data) / format.Channels
	return probeInfo{
		duration: time.Duration(samples) * time.Second / time.Duration(format.SampleRate),
		channels: format.Channels,
	}, nil
}

const mp3ScanLimit = 64 << 10

// mp3Channels reads the channel mode of the first frame header after any ID3v2 tag.
func mp3Channels(r io.Reader) (int, error) {
	br := bufio.NewReader(r)

	head, err := br.Peek(10)
	if err == nil && string(head[:3]) == "ID3" {
		size := int(head[6]&0x7f)<<21 | int(head[7]&0x7f)<<14 | int(head[8]&0x7f)<<7 | int(head[9]&0x7f)
		size += 10
		if head[5]&0x10 != 0 {
			size += 10
		}
		if _, err := br.Discard(size); err != nil {
			return 0, fmt.Errorf("skipping id3 tag: %w", err)
		}
	}

	var window [4]byte
	for i := 0; i < mp3ScanLimit; i++ {
		b, err := br.ReadByte()
		if err != nil {
			break
		}
		copy(window[:], window[1:])
		window[3] = b
		if i < 3 {
			continue
		}
		if validFrameHeader(window) {
			if window[3]>>6 == 0b11 {
				return 1, nil
			}
			return 2, nil
		}
	}
	return 0, errors.New("no mp3 frame header found")
}

func validFrameHeader(h [4]byte) bool {
	if h[0] != 0xff || h[1]&0xe0 != 0xe0 {
		return false
	}
	version := (h[1] >> 3) & 0x03
	layer := (h[1] >> 1) & 0x03
	bitrate := h[2] >> 4
	sampleRate := (h[2] >> 2) & 0x03
	return version != 0b01 && layer != 0b00 && bitrate != 0x0f && sampleRate != 0b11
}
