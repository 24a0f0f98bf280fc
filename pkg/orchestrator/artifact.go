package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/browserstep/pkg/types"
)

// ArtifactWriter writes the items of a step to a directory.
type ArtifactWriter struct {
	outputDir string
}

// NewArtifactWriter creates a writer for outputDir.
func NewArtifactWriter(outputDir string) *ArtifactWriter {
	return &ArtifactWriter{outputDir: outputDir}
}

// Summary describes one finished step.
type Summary struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	URL         string            `json:"url"`
	StartTime   time.Time         `json:"start_time"`
	Duration    time.Duration     `json:"duration"`
	Items       []types.Item      `json:"items"`
	Error       string            `json:"error,omitempty"`
}

// WriteAll writes items.json, every binary attachment and summary.md.
func (w *ArtifactWriter) WriteAll(summary *Summary) ([]string, error) {
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	path, err := w.WriteItemsJSON(summary)
	if err != nil {
		return written, err
	}
	written = append(written, path)

	files, err := w.WriteBinaries(summary.Items)
	written = append(written, files...)
	if err != nil {
		return written, err
	}

	path, err = w.WriteSummaryMarkdown(summary)
	if err != nil {
		return written, err
	}
	return append(written, path), nil
}

// WriteItemsJSON writes the summary, items included, as JSON.
func (w *ArtifactWriter) WriteItemsJSON(summary *Summary) (string, error) {
	path := filepath.Join(w.outputDir, "items.json")

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal items: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write items: %w", err)
	}
	return path, nil
}

// WriteBinaries decodes every attachment into its own file.
func (w *ArtifactWriter) WriteBinaries(items []types.Item) ([]string, error) {
	var written []string
	for i, item := range items {
		for name, bd := range item.Binary {
			data, err := base64.StdEncoding.DecodeString(bd.Data)
			if err != nil {
				return written, fmt.Errorf("failed to decode binary %s: %w", name, err)
			}
			fileName := bd.FileName
			if fileName == "" {
				fileName = name
			}
			path := filepath.Join(w.outputDir, fmt.Sprintf("%d-%s", i, filepath.Base(fileName)))
			if err := os.WriteFile(path, data, 0600); err != nil {
				return written, fmt.Errorf("failed to write binary %s: %w", name, err)
			}
			written = append(written, path)
		}
	}
	return written, nil
}

// WriteSummaryMarkdown writes a human-readable summary.
func (w *ArtifactWriter) WriteSummaryMarkdown(summary *Summary) (string, error) {
	path := filepath.Join(w.outputDir, "summary.md")

	var md strings.Builder
	md.WriteString("# browserstep run\n\n")
	md.WriteString(fmt.Sprintf("**Execution:** %s\n\n", summary.ExecutionID))
	md.WriteString(fmt.Sprintf("**URL:** %s\n\n", summary.URL))
	md.WriteString(fmt.Sprintf("**Started:** %s\n\n", summary.StartTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", summary.Duration))

	if summary.Error != "" {
		md.WriteString("## Error\n\n")
		md.WriteString(summary.Error + "\n\n")
	}

	md.WriteString("## Items\n\n")
	if len(summary.Items) == 0 {
		md.WriteString("No items.\n")
	}
	for i, item := range summary.Items {
		md.WriteString(fmt.Sprintf("### Item %d (input %d)\n\n", i, item.PairedItem.Item))
		if item.Error != "" {
			md.WriteString(fmt.Sprintf("- error: %s\n", item.Error))
		}
		for _, key := range []string{"url", "statusCode", "title", "pages", "truncated"} {
			if v, ok := item.JSON[key]; ok {
				md.WriteString(fmt.Sprintf("- %s: %v\n", key, v))
			}
		}
		for name, bd := range item.Binary {
			md.WriteString(fmt.Sprintf("- binary %s: %s, %s\n", name, bd.MimeType, bd.FileSize))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(md.String()), 0600); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}
