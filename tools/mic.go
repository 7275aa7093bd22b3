package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/bt-bridge/remote-session/shared"
)

// Microphone opens the default capture device as an Opus-encoded local
// track for the voice call. It satisfies the engine's audio source
// contract: OpenTrack hands back the track plus a stop function that
// releases the device.
type Microphone struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
}

func NewMicrophone(logger shared.LoggerAdapter, sampleRate, channels int) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Microphone{
		logger:     logger.With(zap.String("component", "microphone")),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (m *Microphone) OpenTrack(ctx context.Context) (webrtc.TrackLocal, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("creating opus params: %w", err)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.sampleRate)
			c.ChannelCount = prop.Int(m.channels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("getting microphone stream: %w", err)
	}

	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return nil, nil, errors.New("no audio track found in microphone stream")
	}
	micTrack := audioTracks[0]

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   uint32(m.sampleRate),
			Channels:    uint16(m.channels),
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		_ = micTrack.Close()
		return nil, nil, fmt.Errorf("creating local audio track: %w", err)
	}

	frameDuration := time.Duration(opusParams.Latency)
	m.logger.Info("microphone opened",
		zap.Int("sample_rate", m.sampleRate),
		zap.Int("channels", m.channels),
		zap.Int("frame_samples", FrameSamples(frameDuration, m.sampleRate, m.channels)),
	)

	pumpCtx, cancel := context.WithCancel(ctx)
	go m.pump(pumpCtx, local, micTrack, frameDuration)

	stop := func() {
		cancel()
		if err := micTrack.Close(); err != nil {
			m.logger.Error("closing microphone track failed", err)
		}
	}
	return local, stop, nil
}

// pump copies encoded frames from the capture device into the outbound
// track until the context ends or the device reports EOF.
func (m *Microphone) pump(ctx context.Context, local *webrtc.TrackLocalStaticSample, micTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := micTrack.NewEncodedReader(local.Codec().MimeType)
	if err != nil {
		m.logger.Error("creating media track reader failed", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			m.logger.Error("reading from media track failed", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = local.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			m.logger.Error("writing sample to track failed", err)
		}
	}
}
