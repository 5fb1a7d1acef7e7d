package capture

import (
	"context"
	"errors"
	"image"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	// Драйвер камер V4L2/AVFoundation регистрируется при импорте.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
)

// MediaDevicesCamera открывает камеры через pion/mediadevices.
type MediaDevicesCamera struct{}

// Devices перечисляет видео входы системы.
func (MediaDevicesCamera) Devices() []CameraDevice {
	var out []CameraDevice
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, CameraDevice{ID: info.DeviceID, Label: info.Label})
	}
	return out
}

// Open запрашивает видео трек с заданными ограничениями.
func (MediaDevicesCamera) Open(ctx context.Context, constraints CameraConstraints) (FrameTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if constraints.DeviceID != "" {
				c.DeviceID = prop.StringExact(constraints.DeviceID)
			}
			if constraints.Width > 0 {
				c.Width = prop.Int(constraints.Width)
			}
			if constraints.Height > 0 {
				c.Height = prop.Int(constraints.Height)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("поток камеры не содержит видео треков")
	}

	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range tracks {
			_ = t.Close()
		}
		return nil, errors.New("неожиданный тип видео трека")
	}

	return &mediaDevicesTrack{
		track:  vt,
		reader: vt.NewReader(true),
	}, nil
}

type mediaDevicesTrack struct {
	track  *mediadevices.VideoTrack
	reader video.Reader
}

func (t *mediaDevicesTrack) ReadFrame() (image.Image, error) {
	img, release, err := t.reader.Read()
	if err != nil {
		return nil, err
	}
	// кадр скопирован читателем, буфер драйвера можно вернуть сразу
	if release != nil {
		release()
	}
	return img, nil
}

func (t *mediaDevicesTrack) Close() error {
	return t.track.Close()
}
