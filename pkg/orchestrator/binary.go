package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/browserstep/pkg/types"
)

// maxConversions caps concurrent binary conversions for one item.
const maxConversions = 4

// BinaryPreparer turns raw worker output into a host attachment.
type BinaryPreparer interface {
	Prepare(ctx context.Context, name string, data []byte, mimeType string) (types.BinaryData, error)
}

// BinaryPreparerFunc adapts a function to BinaryPreparer.
type BinaryPreparerFunc func(ctx context.Context, name string, data []byte, mimeType string) (types.BinaryData, error)

// Prepare calls f.
func (f BinaryPreparerFunc) Prepare(ctx context.Context, name string, data []byte, mimeType string) (types.BinaryData, error) {
	return f(ctx, name, data, mimeType)
}

// MimeType maps a declared output type to its mime type.
func MimeType(kind string) (string, error) {
	switch kind {
	case "pdf":
		return "application/pdf", nil
	case "png", "jpeg", "jpg", "webp", "gif":
		return "image/" + kind, nil
	}
	return "", fmt.Errorf("unsupported binary type %q", kind)
}

var extensions = map[string]string{
	"application/pdf": "pdf",
	"image/png":       "png",
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/webp":      "webp",
	"image/gif":       "gif",
}

// InlinePreparer embeds the data base64 encoded in the item.
type InlinePreparer struct{}

// Prepare encodes data and fills in the file metadata.
func (InlinePreparer) Prepare(_ context.Context, name string, data []byte, mimeType string) (types.BinaryData, error) {
	if len(data) == 0 {
		return types.BinaryData{}, fmt.Errorf("binary %s is empty", name)
	}
	ext := extensions[mimeType]
	bd := types.BinaryData{
		Data:          base64.StdEncoding.EncodeToString(data),
		MimeType:      mimeType,
		FileExtension: ext,
		FileSize:      humanize.Bytes(uint64(len(data))),
	}
	if ext != "" {
		bd.FileName = name + "." + ext
	}
	return bd, nil
}

type conversion struct {
	name string
	data types.BinaryData
	err  error
}

// convert prepares every entry. Entries that fail are logged and left out.
func (o *Orchestrator) convert(ctx context.Context, entries map[string]types.BinaryEntry) map[string]types.BinaryData {
	if len(entries) == 0 {
		return nil
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]conversion, len(names))
	var g errgroup.Group
	g.SetLimit(maxConversions)
	for i, name := range names {
		g.Go(func() error {
			entry := entries[name]
			results[i] = conversion{name: name}
			mimeType, err := MimeType(entry.Type)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].data, results[i].err = o.preparer.Prepare(ctx, name, entry.Data, mimeType)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]types.BinaryData, len(results))
	for _, c := range results {
		if c.err != nil {
			debugLog.Warnw("Dropping binary output", "binary", c.name, "error", c.err)
			continue
		}
		out[c.name] = c.data
	}
	return out
}
