// Package segmenter splits canonical article HTML into a free preview and the
// gated full body.
//
// Rules, in priority order:
//  1. An explicit split marker wins: the preview is everything before it.
//  2. Otherwise the first N paragraph blocks form the preview.
//  3. With no paragraphs at all, the plain-text excerpt becomes the preview.
//
// Segmentation always starts from the canonical full body; feeding a preview
// back in is not supported.
package segmenter

import (
	"html"
	"strings"
)

// DefaultMarker is the CMS split marker.
const DefaultMarker = "<!--more-->"

// DefaultPreviewParagraphs is the paragraph budget of rule 2.
const DefaultPreviewParagraphs = 3

// Block is one block-level node in document order.
type Block struct {
	Tag  string
	HTML string
}

// BlockParser turns an HTML fragment into ordered block nodes.
type BlockParser interface {
	Parse(rawHTML string) ([]Block, error)
}

// Content is the derived split of an article body.
type Content struct {
	PreviewHTML string
	FullHTML    string
}

// Config controls segmentation.
type Config struct {
	Marker            string
	PreviewParagraphs int
}

// Segmenter applies the split rules with an injected parser.
type Segmenter struct {
	parser BlockParser
	cfg    Config
}

// New constructs a Segmenter, filling unset config with defaults.
func New(parser BlockParser, cfg Config) *Segmenter {
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.PreviewParagraphs <= 0 {
		cfg.PreviewParagraphs = DefaultPreviewParagraphs
	}
	if parser == nil {
		parser = NewGoqueryParser()
	}
	return &Segmenter{parser: parser, cfg: cfg}
}

// Segment splits rawHTML. excerpt feeds the fallback of rule 3.
func (s *Segmenter) Segment(rawHTML, excerpt string) Content {
	if strings.Contains(rawHTML, s.cfg.Marker) {
		parts := strings.Split(rawHTML, s.cfg.Marker)
		preview := parts[0]
		full := strings.Join(parts, "")
		if strings.TrimSpace(preview) == "" {
			preview = excerptParagraph(excerpt)
		}
		return Content{PreviewHTML: preview, FullHTML: full}
	}

	content := Content{FullHTML: rawHTML}
	blocks, err := s.parser.Parse(rawHTML)
	if err != nil {
		content.PreviewHTML = excerptParagraph(excerpt)
		return content
	}
	var b strings.Builder
	taken := 0
	for _, block := range blocks {
		if block.Tag != "p" {
			continue
		}
		b.WriteString(block.HTML)
		taken++
		if taken == s.cfg.PreviewParagraphs {
			break
		}
	}
	if taken == 0 {
		content.PreviewHTML = excerptParagraph(excerpt)
		return content
	}
	content.PreviewHTML = b.String()
	return content
}

func excerptParagraph(excerpt string) string {
	return "<p>" + html.EscapeString(strings.TrimSpace(excerpt)) + "</p>"
}
