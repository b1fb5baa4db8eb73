package streamer

import "fmt"

// ConvertLayout converts a video frame to the target pixel layout. Frames
// are never resized; only the pixel representation changes. The input frame
// is not modified.
func ConvertLayout(frame *VideoFrame, target PixelLayout) (*VideoFrame, error) {
	if frame.Layout == target {
		return frame, nil
	}
	switch {
	case frame.Layout == PixelRGB24 && target == PixelBGR24,
		frame.Layout == PixelBGR24 && target == PixelRGB24:
		return swapRB(frame, target), nil
	case frame.Layout == PixelYUV420 && target == PixelRGB24:
		return yuv420ToPacked(frame, target, false)
	case frame.Layout == PixelYUV420 && target == PixelBGR24:
		return yuv420ToPacked(frame, target, true)
	default:
		return nil, fmt.Errorf("unsupported pixel conversion %s -> %s", frame.Layout, target)
	}
}

func swapRB(frame *VideoFrame, target PixelLayout) *VideoFrame {
	out := make([]byte, len(frame.Pixels))
	for i := 0; i+2 < len(frame.Pixels); i += 3 {
		out[i] = frame.Pixels[i+2]
		out[i+1] = frame.Pixels[i+1]
		out[i+2] = frame.Pixels[i]
	}
	return &VideoFrame{Width: frame.Width, Height: frame.Height, Layout: target, Pixels: out}
}

// yuv420ToPacked converts planar YUV420 (BT.601 limited range) to packed
// 24-bit RGB or BGR.
func yuv420ToPacked(frame *VideoFrame, target PixelLayout, bgr bool) (*VideoFrame, error) {
	w, h := frame.Width, frame.Height
	ySize := w * h
	cSize := (w / 2) * (h / 2)
	if len(frame.Pixels) < ySize+2*cSize {
		return nil, fmt.Errorf("yuv420 frame too short: have %d, need %d", len(frame.Pixels), ySize+2*cSize)
	}
	yPlane := frame.Pixels[:ySize]
	uPlane := frame.Pixels[ySize : ySize+cSize]
	vPlane := frame.Pixels[ySize+cSize : ySize+2*cSize]

	out := make([]byte, w*h*3)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y := int(yPlane[row*w+col])
			u := int(uPlane[(row/2)*(w/2)+col/2]) - 128
			v := int(vPlane[(row/2)*(w/2)+col/2]) - 128

			c := (y - 16) * 298
			r := clamp8((c + 409*v + 128) >> 8)
			g := clamp8((c - 100*u - 208*v + 128) >> 8)
			b := clamp8((c + 516*u + 128) >> 8)

			i := (row*w + col) * 3
			if bgr {
				out[i], out[i+1], out[i+2] = b, g, r
			} else {
				out[i], out[i+1], out[i+2] = r, g, b
			}
		}
	}
	return &VideoFrame{Width: w, Height: h, Layout: target, Pixels: out}, nil
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
