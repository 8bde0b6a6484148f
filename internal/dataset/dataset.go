// Package dataset loads conversational benchmark datasets (LoCoMo /
// LongMemEval style JSON) and decomposes conversations into indexable turns.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Message is a single utterance inside a dialog session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one dialog session of a conversation.
type Session struct {
	SessionID string    `json:"session_id"`
	DateTime  string    `json:"datetime"`
	Messages  []Message `json:"messages"`
}

// Conversation is the parent entity of the work partition: one conversation
// is owned by exactly one shard.
type Conversation struct {
	ConvID  string    `json:"conv_id"`
	Dialogs []Session `json:"dialogs"`
}

// ID returns the conversation id, falling back to a positional id when the
// dataset omits one. The fallback is stable because workers never reorder
// the dataset.
func (c Conversation) ID(index int) string {
	if c.ConvID != "" {
		return c.ConvID
	}
	return fmt.Sprintf("conv_%d", index)
}

// Load reads and parses a dataset. The path may be a local file or a
// file://, gs:// or s3:// URL; files ending in .zst are decompressed
// transparently.
func Load(ctx context.Context, datasetPath string) ([]Conversation, error) {
	data, err := read(ctx, datasetPath)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(datasetPath, ".zst") {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", datasetPath, err)
		}
	}

	var conversations []Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", datasetPath, err)
	}
	return conversations, nil
}

// read fetches raw dataset bytes from local disk or a blob bucket.
func read(ctx context.Context, datasetPath string) ([]byte, error) {
	u, err := url.Parse(datasetPath)
	if err != nil || u.Scheme == "" {
		data, err := os.ReadFile(datasetPath)
		if err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", datasetPath, err)
		}
		return data, nil
	}

	key := strings.TrimPrefix(u.Path, "/")
	bucketURL := u.Scheme + "://" + u.Host
	if u.Scheme == "file" {
		// file:///dir/file.json -> bucket file:///dir, key file.json
		dir, base := path.Split(u.Path)
		bucketURL = "file://" + strings.TrimSuffix(dir, "/")
		key = base
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", key, bucketURL, err)
	}
	return data, nil
}
