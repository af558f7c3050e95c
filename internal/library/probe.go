// Package library reads the downloads root: file listings with stable
// encoded ids, byte/disk metrics, and a best-effort tag/duration probe for
// audio artifacts.
package library

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// FileProbe is what the tag/duration probe yields for one library file.
type FileProbe struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

// Probe reads tags and duration from an audio file. Video containers and
// unreadable files return a zero probe without error; the listing falls back
// to filename-derived fields.
func Probe(filePath string, logger *logrus.Logger) FileProbe {
	probe := FileProbe{}

	if duration, err := calculateDuration(filePath); err == nil {
		probe.DurationSec = duration
	}

	file, err := os.Open(filePath)
	if err != nil {
		return probe
	}
	defer file.Close()

	metadata, err := tag.ReadFrom(file)
	if err != nil {
		logger.WithField("file", filepath.Base(filePath)).Debug("no readable tags")
		return probe
	}
	probe.Title = metadata.Title()
	probe.Artist = metadata.Artist()
	probe.Album = metadata.Album()
	probe.TrackNumber, _ = metadata.Track()
	return probe
}

// calculateDuration computes an audio file's duration in seconds.
func calculateDuration(filePath string) (int, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	case ".m4a":
		return durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", filepath.Ext(filePath))
	}
}

// MP3 duration using frame decoding; falls back to an average-bitrate
// estimate only if no frame decodes.
func durationMP3(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return estimateFromFileSize(path, 192000)
			}
			break
		}
		total += fr.Duration()
		frames++
	}
	return int(total.Seconds()), nil
}

// FLAC duration via the STREAMINFO metadata block.
func durationFLAC(path string) (int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	si := stream.Info
	if si.NSamples > 0 && si.SampleRate > 0 {
		secs := float64(si.NSamples) / float64(si.SampleRate)
		return int(secs + 0.5), nil
	}
	return 0, errors.New("flac stream missing sample info")
}

// WAV duration from the header plus file size.
func durationWAV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, errors.New("invalid wav header")
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	headerSize := int64(44)
	pcmBytes := st.Size() - headerSize
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return 0, errors.New("invalid sample frame size")
	}
	sampleFrames := pcmBytes / bytesPerSampleFrame
	secs := float64(sampleFrames) / float64(dec.SampleRate)
	return int(secs + 0.5), nil
}

// M4A duration via a minimal mvhd atom scan. Best effort.
func durationM4A(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, errors.New("invalid atom size")
		}
		if atom == "moov" {
			inner := make([]byte, size-8)
			if _, err := io.ReadFull(f, inner); err != nil {
				return 0, err
			}
			idx := strings.Index(string(inner), "mvhd")
			if idx < 0 || idx+24 > len(inner) {
				return 0, errors.New("mvhd atom not found")
			}
			body := inner[idx+4:]
			// version(1) + flags(3) + ctime(4) + mtime(4)
			timescale := binary.BigEndian.Uint32(body[12:16])
			duration := binary.BigEndian.Uint32(body[16:20])
			if timescale == 0 {
				return 0, errors.New("mvhd missing timescale")
			}
			return int(float64(duration)/float64(timescale) + 0.5), nil
		}
		if _, err := f.Seek(int64(size-8), io.SeekCurrent); err != nil {
			return 0, err
		}
	}
}

// estimateFromFileSize approximates duration from size at an assumed bitrate.
func estimateFromFileSize(path string, bitsPerSecond int64) (int, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if bitsPerSecond <= 0 {
		return 0, errors.New("invalid bitrate")
	}
	return int(st.Size() * 8 / bitsPerSecond), nil
}
