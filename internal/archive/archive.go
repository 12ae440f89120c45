// Package archive stores the transcripts of finished sessions in a blob bucket.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/models"
)

// DefaultPrefix is the key prefix of every transcript.
const DefaultPrefix = "transcripts/"

var (
	// ErrBucketRequired is returned when no bucket is given.
	ErrBucketRequired = errors.New("bucket is required")
	// ErrTranscriptNotFound is returned by Get for unknown keys.
	ErrTranscriptNotFound = errors.New("transcript not found")
)

// Transcript is the archived form of a finished session.
type Transcript struct {
	Reason     flow.Reason              `json:"reason"`
	ArchivedAt time.Time                `json:"archived_at"`
	Session    *models.SessionSnapshot `json:"session"`
}

// Archiver writes transcripts as JSON objects. It implements flow.Observer.
type Archiver struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
	now    func() time.Time
}

var _ flow.Observer = (*Archiver)(nil)

// Open opens the bucket at bucketURL (file://, mem:// or s3://).
func Open(ctx context.Context, bucketURL string) (*Archiver, error) {
	slog.Debug("archive.Open: opening bucket", "url", bucketURL)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		slog.Error("archive.Open: failed to open bucket", "error", err, "url", bucketURL)
		return nil, fmt.Errorf("failed to open archive bucket %s: %w", bucketURL, err)
	}
	a, _ := New(bucket, DefaultPrefix)
	a.owned = true
	return a, nil
}

// New wraps an already open bucket. The caller keeps ownership of it.
func New(bucket *blob.Bucket, prefix string) (*Archiver, error) {
	if bucket == nil {
		return nil, ErrBucketRequired
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Key returns the object key of a transcript: <prefix><yyyy>/<mm>/<dd>/<id>-<reason>.json,
// dated by the session's last update.
func (a *Archiver) Key(snapshot *models.SessionSnapshot, reason flow.Reason) string {
	day := snapshot.UpdatedAt
	if day.IsZero() {
		day = a.now()
	}
	return fmt.Sprintf("%s%s/%s-%s.json", a.prefix, day.UTC().Format("2006/01/02"), snapshot.ID, reason)
}

// SessionFinished implements flow.Observer.
func (a *Archiver) SessionFinished(ctx context.Context, snapshot *models.SessionSnapshot, reason flow.Reason) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(&Transcript{Reason: reason, ArchivedAt: a.now().UTC(), Session: snapshot})
	if err != nil {
		return fmt.Errorf("failed to encode transcript %s: %w", snapshot.ID, err)
	}
	key := a.Key(snapshot, reason)
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := a.bucket.WriteAll(ctx, key, data, opts); err != nil {
		slog.Error("Archiver.SessionFinished: write failed", "error", err, "key", key)
		return fmt.Errorf("failed to write transcript %s: %w", key, err)
	}
	slog.Debug("Archiver.SessionFinished: transcript archived", "key", key, "entries", len(snapshot.History))
	return nil
}

// Get reads one transcript.
func (a *Archiver) Get(ctx context.Context, key string) (*Transcript, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, key)
		}
		return nil, fmt.Errorf("failed to read transcript %s: %w", key, err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript %s: %w", key, err)
	}
	return &t, nil
}

// List returns the keys under prefix, relative to the bucket root, in lexical order.
// An empty prefix lists every transcript.
func (a *Archiver) List(ctx context.Context, prefix string) ([]string, error) {
	if !strings.HasPrefix(prefix, a.prefix) {
		prefix = a.prefix + prefix
	}
	iter := a.bucket.List(&blob.ListOptions{Prefix: prefix})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list transcripts: %w", err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

// Close closes the bucket when the Archiver opened it.
func (a *Archiver) Close() error {
	if !a.owned {
		return nil
	}
	return a.bucket.Close()
}
