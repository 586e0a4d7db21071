package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var ErrNoDevice = errors.New("no capture device configured")

const (
	streamID        = "teleconsult"
	oggPageDuration = 20 * time.Millisecond
)

// MediaDevices acquires the local capture stream. It may return a partial
// stream together with an error when only some devices are available.
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (*LocalStream, error)
}

// FileDevices plays an Ogg/Opus file as the microphone and an IVF/VP8 file
// as the camera. An empty path means the device is absent.
type FileDevices struct {
	AudioPath string
	VideoPath string
	Log       *slog.Logger
}

func (d FileDevices) GetUserMedia(ctx context.Context) (*LocalStream, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	var (
		tracks []*LocalTrack
		errs   []error
	)

	if audio, err := d.openAudio(ctx, log); err != nil {
		errs = append(errs, fmt.Errorf("microphone: %w", err))
	} else {
		tracks = append(tracks, audio)
	}

	if video, err := d.openVideo(ctx, log); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	} else {
		tracks = append(tracks, video)
	}

	return NewLocalStream(tracks...), errors.Join(errs...)
}

func (d FileDevices) openAudio(ctx context.Context, log *slog.Logger) (*LocalTrack, error) {
	if d.AudioPath == "" {
		return nil, ErrNoDevice
	}
	f, err := os.Open(d.AudioPath)
	if err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}

	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		f.Close()
		return nil, err
	}
	track := NewLocalTrack(rtc)
	go pumpOgg(ctx, track, ogg, f, log)
	return track, nil
}

func (d FileDevices) openVideo(ctx context.Context, log *slog.Logger) (*LocalTrack, error) {
	if d.VideoPath == "" {
		return nil, ErrNoDevice
	}
	f, err := os.Open(d.VideoPath)
	if err != nil {
		return nil, err
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, fmt.Errorf("unsupported video codec %q", header.FourCC)
	}

	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	track := NewLocalTrack(rtc)
	go pumpIVF(ctx, track, ivf, frameDuration, f, log)
	return track, nil
}

func pumpOgg(ctx context.Context, track *LocalTrack, ogg *oggreader.OggReader, closer io.Closer, log *slog.Logger) {
	defer closer.Close()

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-track.Done():
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			log.Info("audio file finished", slog.String("track", track.ID()))
			return
		}
		if err != nil {
			log.Warn("read ogg page", sl.Err(err))
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / 48000

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			if !errors.Is(err, ErrTrackStopped) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn("write audio sample", sl.Err(err))
			}
			return
		}
	}
}

func pumpIVF(ctx context.Context, track *LocalTrack, ivf *ivfreader.IVFReader, frameDuration time.Duration, closer io.Closer, log *slog.Logger) {
	defer closer.Close()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-track.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			log.Info("video file finished", slog.String("track", track.ID()))
			return
		}
		if err != nil {
			log.Warn("read ivf frame", sl.Err(err))
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			if !errors.Is(err, ErrTrackStopped) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn("write video sample", sl.Err(err))
			}
			return
		}
	}
}
