package dataset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"maskflow/internal/errtypes"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func solidImage(t *testing.T, size int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return encodePNG(t, img)
}

// leftHalfMask marks the left half of a size×size mask as foreground.
func leftHalfMask(t *testing.T, size int) []byte {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size/2; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return encodePNG(t, img)
}

func TestBatcherAssemble(t *testing.T) {
	b, err := NewBatcher(BatcherOptions{ImageSize: 8, MaskSize: 4, NumClasses: 5, Workers: 2})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	samples := []Sample{
		{Key: "a", Image: solidImage(t, 20, color.RGBA{R: 255, A: 255}), Mask: leftHalfMask(t, 16), Classes: []int{0, 3}},
		{Key: "b", Image: solidImage(t, 5, color.RGBA{B: 255, A: 255}), Mask: leftHalfMask(t, 4), Classes: []int{5}},
	}
	batch, err := b.Assemble(context.Background(), samples)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch.Size() != 2 {
		t.Fatalf("expected batch of 2, got %d", batch.Size())
	}
	if batch.Keys[0] != "a" || batch.Keys[1] != "b" {
		t.Fatalf("keys out of order: %v", batch.Keys)
	}
	wantShapes := map[string][]int{
		"masks":   {2, 1, 4, 4},
		"images":  {2, 3, 8, 8},
		"classes": {2, 6},
	}
	gotShapes := map[string][]int{
		"masks":   batch.Masks.Shape,
		"images":  batch.Images.Shape,
		"classes": batch.Classes.Shape,
	}
	for name, want := range wantShapes {
		got := gotShapes[name]
		if len(got) != len(want) {
			t.Fatalf("%s shape %v want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s shape %v want %v", name, got, want)
			}
		}
	}

	red := batch.Images.Sample(0)
	if red[0] != 1 || red[64] != 0 || red[128] != 0 {
		t.Fatalf("expected pure red pixel, got r=%f g=%f b=%f", red[0], red[64], red[128])
	}
	blue := batch.Images.Sample(1)
	if blue[0] != 0 || blue[128] != 1 {
		t.Fatalf("expected pure blue pixel, got r=%f b=%f", blue[0], blue[128])
	}

	for i := 0; i < 2; i++ {
		mask := batch.Masks.Sample(i)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				want := 0.0
				if x < 2 {
					want = 1
				}
				if got := mask[y*4+x]; got != want {
					t.Fatalf("mask %d at (%d,%d)=%f want %f", i, x, y, got, want)
				}
			}
		}
	}

	wantClasses := []float64{1, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}
	for i, want := range wantClasses {
		if batch.Classes.Data[i] != want {
			t.Fatalf("classes[%d]=%f want %f", i, batch.Classes.Data[i], want)
		}
	}
}

func TestBatcherRejectsBadSamples(t *testing.T) {
	b, err := NewBatcher(BatcherOptions{ImageSize: 8, MaskSize: 4, NumClasses: 2})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	good := Sample{Key: "ok", Image: solidImage(t, 8, color.RGBA{A: 255}), Mask: leftHalfMask(t, 4)}

	badClass := good
	badClass.Classes = []int{3}
	if _, err := b.Assemble(context.Background(), []Sample{good, badClass}); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid class id error, got %v", err)
	}

	badImage := good
	badImage.Image = []byte("not an image")
	if _, err := b.Assemble(context.Background(), []Sample{badImage}); err == nil {
		t.Fatal("expected decode error")
	}

	if _, err := b.Assemble(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}

	if _, err := NewBatcher(BatcherOptions{ImageSize: 8, MaskSize: 4}); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestWriteMaskPNG(t *testing.T) {
	mask := []float64{0, 0.2, 0.6, 1}
	buf := &bytes.Buffer{}
	if err := WriteMaskPNG(buf, mask, 2, 0.5); err != nil {
		t.Fatalf("WriteMaskPNG: %v", err)
	}
	img, err := png.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []uint8{0, 0, 255, 255}
	for i, w := range want {
		y := color.GrayModel.Convert(img.At(i%2, i/2)).(color.Gray).Y
		if y != w {
			t.Fatalf("pixel %d=%d want %d", i, y, w)
		}
	}

	if err := WriteMaskPNG(buf, mask, 3, 0.5); !errors.Is(err, errtypes.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestReadImageAndClassVector(t *testing.T) {
	img, err := ReadImage(bytes.NewReader(solidImage(t, 3, color.RGBA{G: 255, A: 255})), 4)
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if img.Shape[0] != 1 || img.Shape[1] != 3 || img.Shape[2] != 4 {
		t.Fatalf("unexpected shape %v", img.Shape)
	}
	if img.Data[16] != 1 {
		t.Fatalf("expected green channel set, got %f", img.Data[16])
	}

	cls, err := ClassVector([]int{1, 2}, 2)
	if err != nil {
		t.Fatalf("ClassVector: %v", err)
	}
	if cls.Data[0] != 0 || cls.Data[1] != 1 || cls.Data[2] != 1 {
		t.Fatalf("unexpected class vector %v", cls.Data)
	}
}
