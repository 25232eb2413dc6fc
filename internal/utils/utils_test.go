package utils

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"strings"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	// Use bufio.Scanner with our custom Split function
	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	// Verify the extracted token is exactly the JPEG
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestFFmpegArgs(t *testing.T) {
	rtsp := strings.Join(FFmpegArgs("rtsp://admin:pw@10.0.0.2:554/stream"), " ")
	if !strings.Contains(rtsp, "-rtsp_transport tcp -i rtsp://") {
		t.Errorf("Expected TCP transport before the input, got %q", rtsp)
	}

	file := strings.Join(FFmpegArgs("/videos/door.mp4"), " ")
	if strings.Contains(file, "rtsp_transport") {
		t.Errorf("File inputs must not set an RTSP transport, got %q", file)
	}
	if !strings.HasSuffix(file, "-f image2pipe -vcodec mjpeg -q:v 2 -") {
		t.Errorf("Expected MJPEG on stdout, got %q", file)
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{"30000/1001": 30000.0 / 1001.0, "25/1": 25, "15": 15, "0/0": 0, "N/A": 0}
	for in, want := range cases {
		if got := ParseFrameRate(in); got != want {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCrop(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1000, 500))
	r := doorCrop.CropRect(img.Bounds())
	if r != image.Rect(350, 50, 650, 300) {
		t.Fatalf("Unexpected crop rect %v", r)
	}
	img.Pix[img.PixOffset(350, 50)] = 200
	cropped := Crop(img, r)
	if got := cropped.Bounds(); got != image.Rect(0, 0, 300, 250) {
		t.Errorf("Crop should start at the origin, got %v", got)
	}
	if c := color.GrayModel.Convert(cropped.At(0, 0)).(color.Gray); c.Y != 200 {
		t.Errorf("Expected the crop corner pixel to be copied, got %d", c.Y)
	}

	small := ResizeToWidth(Crop(img, r), 150)
	if small.Bounds().Dx() != 150 || small.Bounds().Dy() != 125 {
		t.Errorf("Expected 150x125, got %v", small.Bounds())
	}
	if same := ResizeToWidth(img, 2000); same != image.Image(img) {
		t.Error("Upscaling should return the input unchanged")
	}

	sub := img.SubImage(r)
	rebased := ResizeToWidth(sub, 1280)
	if rebased.Bounds() != image.Rect(0, 0, 300, 250) {
		t.Errorf("Expected an offset image to be rebased to the origin, got %v", rebased.Bounds())
	}
	if c := color.GrayModel.Convert(rebased.At(0, 0)).(color.Gray); c.Y != 200 {
		t.Errorf("Expected rebased pixels to match the source, got %d", c.Y)
	}
}

var doorCrop = CropFractions{Left: 0.35, Right: 0.35, Top: 0.10, Bottom: 0.40}

func TestEncodeJPEGBase64(t *testing.T) {
	s, err := EncodeJPEGBase64(image.NewGray(image.Rect(0, 0, 8, 8)), 85)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, JpegSOI) || !bytes.HasSuffix(raw, JpegEOI) {
		t.Error("Expected a complete JPEG")
	}
}
