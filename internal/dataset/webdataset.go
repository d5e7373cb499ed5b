package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one key of a shard with its image, mask and class ids paired.
type Sample struct {
	Key      string
	Image    []byte
	ImageExt string
	Mask     []byte
	Classes  []int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending sample buffer exceeded")

const defaultPendingCap = 1024

const maskExt = ".mask.png"

// splitName splits a shard entry name at its first dot, the WebDataset
// convention, so "000123.mask.png" yields key "000123" and ext ".mask.png".
func splitName(name string) (key, ext string) {
	base := filepath.Base(name)
	idx := strings.IndexByte(base, '.')
	if idx <= 0 {
		return base, ""
	}
	return base[:idx], strings.ToLower(base[idx:])
}

// ParseClasses reads a comma or whitespace separated list of class ids.
func ParseClasses(payload []byte) ([]int, error) {
	fields := strings.FieldsFunc(string(payload), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	classes := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		if id < 0 {
			return nil, fmt.Errorf("negative class id %d", id)
		}
		classes = append(classes, id)
	}
	return classes, nil
}

// StreamShard streams paired samples from the shard at path. A key is emitted
// as soon as its image, mask and class entries have all been read.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)
		get := func(key string) *partial {
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			return part
		}

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, ext := splitName(hdr.Name)

			switch ext {
			case ".jpg", ".jpeg", ".png", ".webp":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", hdr.Name, err)
					return
				}
				part := get(key)
				part.image = data
				part.imageExt = ext
			case maskExt:
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read mask %s: %w", hdr.Name, err)
					return
				}
				get(key).mask = data
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read classes %s: %w", hdr.Name, err)
					return
				}
				classes, err := ParseClasses(payload)
				if err != nil {
					errCh <- fmt.Errorf("parse classes %s: %w", hdr.Name, err)
					return
				}
				get(key).classes = classes
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{
					Key:      key,
					Image:    part.image,
					ImageExt: part.imageExt,
					Mask:     part.mask,
					Classes:  part.classes,
				}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image    []byte
	imageExt string
	mask     []byte
	classes  []int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && len(p.mask) > 0 && p.classes != nil
}
