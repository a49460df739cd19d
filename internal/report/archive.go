package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
)

// Archiver uploads run reports to a bucket.
type Archiver struct {
	BucketURL string
	Prefix    string
	Compress  bool
}

// Key returns the object key of a run's report.
func (a *Archiver) Key(runID string) string {
	name := "report.json"
	if a.Compress {
		name += ".zst"
	}
	return path.Join(strings.Trim(a.Prefix, "/"), "runs", runID, name)
}

// Upload writes the JSON report, zstd-compressed when configured.
func (a *Archiver) Upload(ctx context.Context, r *Run) (string, error) {
	bucket, err := blob.OpenBucket(ctx, a.BucketURL)
	if err != nil {
		return "", fmt.Errorf("open report bucket %s: %w", a.BucketURL, err)
	}
	defer bucket.Close()

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	data := buf.Bytes()
	contentType := "application/json"
	if a.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return "", fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
		contentType = "application/zstd"
	}

	key := a.Key(r.RunID)
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write report to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	return key, nil
}

// Download reads back a report written by Upload.
func (a *Archiver) Download(ctx context.Context, runID string) ([]byte, error) {
	bucket, err := blob.OpenBucket(ctx, a.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open report bucket %s: %w", a.BucketURL, err)
	}
	defer bucket.Close()

	key := a.Key(runID)
	rd, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !a.Compress {
		return data, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
