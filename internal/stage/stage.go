// Package stage archives raw extraction pages as compressed JSONL objects so
// a load can be re-run without refetching from the upstream. One object per
// page, keyed by run label and step.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver, used in tests
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// Steps under which pages are archived.
const (
	StepRaw = "raw"
)

// Config holds stage archive configuration.
type Config struct {
	// URL is a gocloud bucket URL: file:///var/stage, s3://bucket,
	// gs://bucket, or mem:// for tests. Empty disables staging.
	URL string `yaml:"url"`
}

// Archive persists and lists staged pages in a blob bucket.
type Archive struct {
	bucket *blob.Bucket
}

// Open opens the bucket behind the configured URL.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open stage bucket %s: %w", cfg.URL, err)
	}
	return &Archive{bucket: bucket}, nil
}

func pageKey(runLabel, step string, page int) string {
	return fmt.Sprintf("%s/%s/part-%05d.jsonl.gz", runLabel, step, page)
}

// WritePage archives one page of raw payloads as gzipped JSONL. Pages are
// immutable; writing the same page twice overwrites with identical content.
func (a *Archive) WritePage(ctx context.Context, runLabel, step string, page int, payloads []json.RawMessage) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, p := range payloads {
		if _, err := zw.Write(bytes.TrimSpace(p)); err != nil {
			return fmt.Errorf("compress page: %w", err)
		}
		if _, err := zw.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("compress page: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress page: %w", err)
	}

	key := pageKey(runLabel, step, page)
	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("stage writer %s: %w", key, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		w.Close()
		return fmt.Errorf("stage write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("stage close %s: %w", key, err)
	}
	return nil
}

// ReadPage returns the payload lines of one archived page.
func (a *Archive) ReadPage(ctx context.Context, key string) ([]json.RawMessage, error) {
	r, err := a.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("stage page %s not found", key)
		}
		return nil, fmt.Errorf("stage reader %s: %w", key, err)
	}
	defer r.Close()

	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("stage decompress %s: %w", key, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("stage read %s: %w", key, err)
	}

	var payloads []json.RawMessage
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, json.RawMessage(append([]byte(nil), line...)))
	}
	return payloads, nil
}

// ListPages returns the page keys archived for a run and step, in page
// order.
func (a *Archive) ListPages(ctx context.Context, runLabel, step string) ([]string, error) {
	prefix := runLabel + "/" + step + "/"
	iter := a.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list stage pages %s: %w", prefix, err)
		}
		if strings.HasSuffix(obj.Key, ".jsonl.gz") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the bucket handle.
func (a *Archive) Close() error {
	return a.bucket.Close()
}
