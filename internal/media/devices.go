package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 33 * time.Millisecond
)

// Devices acquires local capture handles through pion/mediadevices.
// Audio and video are requested in separate getUserMedia calls so the
// coordinator can treat a missing camera as a degradation, not a failure.
type Devices struct {
	log      *logrus.Entry
	selector *mediadevices.CodecSelector
}

func NewDevices(log *logrus.Logger) (*Devices, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating x264 params: %w", err)
	}
	x264Params.BitRate = 500_000

	return &Devices{
		log: log.WithField("component", "devices"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&x264Params),
		),
	}, nil
}

func (d *Devices) AcquireAudio(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring microphone: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio capture device available")
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio", "mic",
	)
	if err != nil {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	return newDeviceTrack(d.log, TrackAudio, tracks[0], out, audioFrameDuration), nil
}

func (d *Devices) AcquireVideo(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring camera: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no video capture device available")
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
		},
		"video", "camera",
	)
	if err != nil {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("creating local video track: %w", err)
	}
	return newDeviceTrack(d.log, TrackVideo, tracks[0], out, videoFrameDuration), nil
}

// deviceTrack couples one capture device to one outbound webrtc track. A
// pump goroutine copies encoded frames from the device into the track;
// while disabled the pump keeps reading (the encoder must stay drained) but
// drops the frames instead of sending them.
type deviceTrack struct {
	kind     TrackKind
	log      *logrus.Entry
	source   mediadevices.Track
	out      *webrtc.TrackLocalStaticSample
	frameDur time.Duration

	enabled   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

func newDeviceTrack(log *logrus.Entry, kind TrackKind, source mediadevices.Track, out *webrtc.TrackLocalStaticSample, frameDur time.Duration) *deviceTrack {
	t := &deviceTrack{
		kind:     kind,
		log:      log.WithField("kind", kind),
		source:   source,
		out:      out,
		frameDur: frameDur,
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *deviceTrack) Kind() TrackKind { return t.kind }

func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *deviceTrack) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.source.Close()
}

// start begins pumping frames; called by the network session once the
// connection is up.
func (t *deviceTrack) start() {
	t.startOnce.Do(func() { go t.pump() })
}

func (t *deviceTrack) pump() {
	reader, err := t.source.NewEncodedReader(t.out.Codec().MimeType)
	if err != nil {
		t.log.WithError(err).Error("creating encoded reader failed")
		return
	}
	for {
		select {
		case <-t.done:
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			release()
			if err != io.EOF {
				t.log.WithError(err).Warn("reading from capture device failed")
			}
			return
		}
		if buf.Samples == 0 || !t.enabled.Load() {
			release()
			continue
		}
		err = t.out.WriteSample(pionmedia.Sample{
			Data:     buf.Data[:],
			Duration: t.frameDur,
		})
		release()
		if err != nil {
			t.log.WithError(err).Warn("writing sample to track failed")
		}
	}
}
