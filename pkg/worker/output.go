package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/entrhq/browserstep/pkg/engine"
	"github.com/entrhq/browserstep/pkg/types"
)

// DefaultMaxLength caps text and html output when the request sets no limit.
const DefaultMaxLength = 100000

func init() {
	// pdfcpu must not create a config directory in the worker's home.
	api.DisableConfigDir()
}

func (x *execution) output(ctx context.Context) error {
	stepCtx, cancel := x.step(ctx, 0)
	defer cancel()

	spec := x.params.Output
	switch spec.Type {
	case types.OutputText, "":
		return x.textOutput(stepCtx, spec)
	case types.OutputHTML:
		return x.htmlOutput(stepCtx, spec)
	case types.OutputScreenshot:
		return x.screenshotOutput(stepCtx, spec)
	case types.OutputPDF:
		return x.pdfOutput(stepCtx, spec)
	}
	return fmt.Errorf("unknown output type %q", spec.Type)
}

func maxLength(spec types.OutputSpec) int {
	if spec.MaxLength > 0 {
		return spec.MaxLength
	}
	return DefaultMaxLength
}

func (x *execution) document(ctx context.Context) (*goquery.Document, error) {
	content, err := x.page.Content(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return doc, nil
}

// textOutput stores the visible text of the selector, or the whole body.
func (x *execution) textOutput(ctx context.Context, spec types.OutputSpec) error {
	doc, err := x.document(ctx)
	if err != nil {
		return err
	}
	doc.Find("script, style, noscript, template").Remove()

	selector := spec.Selector
	if selector == "" {
		selector = "body"
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return fmt.Errorf("no element found matching selector: %s", selector)
	}

	text := strings.Join(strings.Fields(sel.Text()), " ")
	text, truncated := truncate(text, maxLength(spec))
	x.json["text"] = text
	if truncated {
		x.json["truncated"] = true
	}
	return nil
}

// htmlOutput stores cleaned markup of the selector, or the whole document.
func (x *execution) htmlOutput(ctx context.Context, spec types.OutputSpec) error {
	raw, err := x.page.Content(ctx)
	if err != nil {
		return err
	}
	if spec.Selector != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err != nil {
			return fmt.Errorf("failed to parse page: %w", err)
		}
		sel := doc.Find(spec.Selector)
		if sel.Length() == 0 {
			return fmt.Errorf("no element found matching selector: %s", spec.Selector)
		}
		if raw, err = goquery.OuterHtml(sel.First()); err != nil {
			return fmt.Errorf("failed to render selection: %w", err)
		}
	}

	cleaned, err := cleanHTML(raw, maxLength(spec))
	if err != nil {
		return err
	}
	x.json["html"] = cleaned.HTML
	if cleaned.Title != "" {
		x.json["title"] = cleaned.Title
	}
	if cleaned.Description != "" {
		x.json["description"] = cleaned.Description
	}
	if cleaned.Truncated {
		x.json["truncated"] = true
	}
	return nil
}

func (x *execution) screenshotOutput(ctx context.Context, spec types.OutputSpec) error {
	opts := engine.ScreenshotOptions{Type: "png"}
	if s := spec.Screenshot; s != nil {
		opts.FullPage = s.FullPage
		opts.Quality = s.Quality
		if s.Type != "" {
			opts.Type = strings.ToLower(s.Type)
		}
	}
	if opts.Type == "jpg" {
		opts.Type = "jpeg"
	}

	data, err := x.page.Screenshot(ctx, opts)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("screenshot is empty")
	}
	x.addBinary(spec.BinaryName(), data, opts.Type)
	return nil
}

func (x *execution) pdfOutput(ctx context.Context, spec types.OutputSpec) error {
	var opts engine.PDFOptions
	if p := spec.PDF; p != nil {
		opts = engine.PDFOptions{Format: p.Format, Landscape: p.Landscape, PrintBackground: p.PrintBackground}
	}

	data, err := x.page.PDF(ctx, opts)
	if err != nil {
		return err
	}
	pages, err := pdfPageCount(data)
	if err != nil {
		return err
	}
	x.json["pages"] = pages
	x.addBinary(spec.BinaryName(), data, "pdf")
	return nil
}

// pdfPageCount validates a rendered document and counts its pages.
func pdfPageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("rendered pdf is invalid: %w", err)
	}
	return n, nil
}

func (x *execution) addBinary(name string, data []byte, kind string) {
	if x.binary == nil {
		x.binary = map[string]types.BinaryEntry{}
	}
	x.binary[name] = types.BinaryEntry{Data: data, Type: kind}
	x.json["binaryProperty"] = name
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
