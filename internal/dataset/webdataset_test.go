package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStreamShardPairsEntries(t *testing.T) {
	buf := buildShard(map[string]fileSet{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), mask: []byte("m1"), classes: "3"},
		"000002": {imageExt: ".png", image: []byte("png"), mask: []byte("m2"), classes: "0, 7,12"},
		"000003": {imageExt: ".webp", image: []byte("webp"), mask: []byte("m3"), classes: ""},
	})

	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	samples, err := drainStream(StreamShard(context.Background(), shard, 4))
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	byKey := make(map[string]Sample, len(samples))
	for _, s := range samples {
		byKey[s.Key] = s
	}
	got := byKey["000002"]
	if diff := cmp.Diff([]int{0, 7, 12}, got.Classes); diff != "" {
		t.Fatalf("classes mismatch (-want +got):\n%s", diff)
	}
	if string(got.Mask) != "m2" || string(got.Image) != "png" || got.ImageExt != ".png" {
		t.Fatalf("unexpected sample %+v", got)
	}
	if empty := byKey["000003"].Classes; empty == nil || len(empty) != 0 {
		t.Fatalf("empty class file should pair with no classes, got %v", empty)
	}
}

func TestStreamShardReportsIncompleteSamples(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "000001.jpg", []byte("jpeg"))
	addTarEntry(tw, "000001.cls", []byte("1"))
	tw.Close()

	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	samples, err := drainStream(StreamShard(context.Background(), shard, 4))
	if len(samples) != 0 {
		t.Fatalf("sample without mask should not be emitted, got %d", len(samples))
	}
	if err == nil || !strings.Contains(err.Error(), "1 samples incomplete") {
		t.Fatalf("expected incomplete error, got %v", err)
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, key := range []string{"a", "b", "c"} {
		addTarEntry(tw, key+".jpg", []byte("jpeg"))
	}
	tw.Close()

	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	_, err := drainStream(StreamShard(context.Background(), shard, 2))
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestParseClasses(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: []int{}},
		{in: "4", want: []int{4}},
		{in: "1,2 ,3\n", want: []int{1, 2, 3}},
		{in: "1 2\t5", want: []int{1, 2, 5}},
		{in: "x", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseClasses([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseClasses(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseClasses(%q): %v", tc.in, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("ParseClasses(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestSplitName(t *testing.T) {
	cases := map[string][2]string{
		"000001.jpg":          {"000001", ".jpg"},
		"dir/000001.mask.png": {"000001", ".mask.png"},
		"000001.JPEG":         {"000001", ".jpeg"},
		"README":              {"README", ""},
	}
	for name, want := range cases {
		key, ext := splitName(name)
		if key != want[0] || ext != want[1] {
			t.Fatalf("splitName(%q) = %q, %q want %q, %q", name, key, ext, want[0], want[1])
		}
	}
}

func drainStream(samplesCh <-chan Sample, errCh <-chan error) ([]Sample, error) {
	var samples []Sample
	var firstErr error
	for samplesCh != nil || errCh != nil {
		select {
		case sample, ok := <-samplesCh:
			if !ok {
				samplesCh = nil
				continue
			}
			samples = append(samples, sample)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return samples, firstErr
}

func buildShard(data map[string]fileSet) *bytes.Buffer {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, set := range data {
		addTarEntry(tw, key+set.imageExt, set.image)
		addTarEntry(tw, key+maskExt, set.mask)
		addTarEntry(tw, key+".cls", []byte(set.classes))
	}
	tw.Close()
	return buf
}

type fileSet struct {
	imageExt string
	image    []byte
	mask     []byte
	classes  string
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}
