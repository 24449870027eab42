package telemetry

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"

	"github.com/ohler55/ojg/oj"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// Header keys of frame messages
const (
	HeaderFrameID   = "Frame-Id"
	HeaderWidth     = "Width"
	HeaderHeight    = "Height"
	HeaderChannels  = "Channels"
	HeaderEncoding  = "Encoding"
	HeaderTimestamp = "Timestamp"
)

// Frame encodings
const (
	EncodingJPEG = "jpeg"
	EncodingRaw  = "raw"
)

// toImage wraps the pixel buffer. 4 channels are BGRA as delivered by the
// simulator camera, 3 channels RGB, 1 channel gray.
func toImage(f *model.FrameData) (image.Image, error) {
	if len(f.Pixels) < f.Size() {
		return nil, fmt.Errorf("frame %d: %d bytes, want %d", f.FrameID, len(f.Pixels), f.Size())
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Channels {
	case 1:
		return &image.Gray{Pix: f.Pixels[:f.Size()], Stride: f.Width, Rect: rect}, nil
	case 3:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < f.Size(); i, j = i+3, j+4 {
			img.Pix[j] = f.Pixels[i]
			img.Pix[j+1] = f.Pixels[i+1]
			img.Pix[j+2] = f.Pixels[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case 4:
		img := image.NewRGBA(rect)
		for i := 0; i < f.Size(); i += 4 {
			img.Pix[i] = f.Pixels[i+2]
			img.Pix[i+1] = f.Pixels[i+1]
			img.Pix[i+2] = f.Pixels[i]
			img.Pix[i+3] = 0xff
		}
		return img, nil
	}
	return nil, fmt.Errorf("frame %d: unsupported channel count %d", f.FrameID, f.Channels)
}

// EncodeFrame returns the message payload and headers of a frame.
func EncodeFrame(f *model.FrameData, raw bool, quality int) (
	data []byte, header map[string]string, err error,
) {
	header = map[string]string{
		HeaderFrameID:   strconv.FormatUint(f.FrameID, 10),
		HeaderWidth:     strconv.Itoa(f.Width),
		HeaderHeight:    strconv.Itoa(f.Height),
		HeaderChannels:  strconv.Itoa(f.Channels),
		HeaderTimestamp: strconv.FormatFloat(model.Seconds(f.Timestamp), 'f', 6, 64),
	}
	if raw {
		header[HeaderEncoding] = EncodingRaw
		return f.Pixels, header, nil
	}
	img, err := toImage(f)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, nil, err
	}
	header[HeaderEncoding] = EncodingJPEG
	return buf.Bytes(), header, nil
}

// DecodeFrame is the inverse of EncodeFrame as far as the viewer needs it:
// it returns the frame metadata and the decoded image size.
func DecodeFrame(header map[string]string, data []byte) (model.FrameData, error) {
	var ret model.FrameData
	var err error
	if ret.FrameID, err = strconv.ParseUint(header[HeaderFrameID], 10, 64); err != nil {
		return ret, fmt.Errorf("frame id: %w", err)
	}
	if ts, tsErr := strconv.ParseFloat(header[HeaderTimestamp], 64); tsErr == nil {
		ret.Timestamp = model.FromSeconds(ts)
	}
	ret.Channels, _ = strconv.Atoi(header[HeaderChannels])
	switch header[HeaderEncoding] {
	case EncodingJPEG:
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return ret, err
		}
		ret.Width, ret.Height = cfg.Width, cfg.Height
		if cfg.ColorModel == color.GrayModel {
			ret.Channels = 1
		}
	default:
		ret.Width, _ = strconv.Atoi(header[HeaderWidth])
		ret.Height, _ = strconv.Atoi(header[HeaderHeight])
		ret.Pixels = data
	}
	return ret, nil
}

func encodeJSON(m map[string]any) []byte {
	return []byte(oj.JSON(m))
}
