package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// ReportArchiver stores scan reports as JSON objects keyed by scan day:
// scans/YYYY/MM/DD/<scan-id>.json, optionally gzip-compressed.
type ReportArchiver struct {
	client   *Client
	compress bool
}

// NewReportArchiver creates a ReportArchiver.
func NewReportArchiver(client *Client, compress bool) *ReportArchiver {
	return &ReportArchiver{client: client, compress: compress}
}

// ReportKey returns the object key for a scan started at startedAt.
func ReportKey(scanID string, startedAt time.Time, compressed bool) string {
	key := path.Join("scans", startedAt.UTC().Format("2006/01/02"), scanID+".json")
	if compressed {
		key += ".gz"
	}
	return key
}

// Archive uploads report and returns its location.
func (a *ReportArchiver) Archive(ctx context.Context, scanID string, startedAt time.Time, report any) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3: failed to encode report %s: %w", scanID, err)
	}

	input := &UploadInput{
		Key:         ReportKey(scanID, startedAt, a.compress),
		ContentType: "application/json",
		Metadata:    map[string]string{"scan-id": scanID},
	}
	if a.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return "", err
		}
		if err := gz.Close(); err != nil {
			return "", err
		}
		body = buf.Bytes()
		input.ContentEncoding = "gzip"
	}
	input.Body = body

	out, err := a.client.Upload(ctx, input)
	if err != nil {
		return "", err
	}
	return out.Location, nil
}

// Fetch downloads the report at key and decodes it into v.
func (a *ReportArchiver) Fetch(ctx context.Context, key string, v any) error {
	data, encoding, err := a.client.Download(ctx, key)
	if err != nil {
		return err
	}
	if encoding == "gzip" || strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("s3: report %s: %w", key, err)
		}
		defer gz.Close()
		if data, err = io.ReadAll(gz); err != nil {
			return fmt.Errorf("s3: report %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("s3: report %s: %w", key, err)
	}
	return nil
}

// ListDay returns the report keys archived on day, oldest first.
func (a *ReportArchiver) ListDay(ctx context.Context, day time.Time) ([]ObjectInfo, error) {
	objects, err := a.client.List(ctx, path.Join("scans", day.UTC().Format("2006/01/02"))+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})
	return objects, nil
}
