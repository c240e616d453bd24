package segmenter

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockSelector = "p, h1, h2, h3, h4, h5, h6, blockquote, figure, ul, ol, pre, hr, table"

// GoqueryParser is the production BlockParser.
type GoqueryParser struct{}

// NewGoqueryParser returns a GoqueryParser.
func NewGoqueryParser() *GoqueryParser {
	return &GoqueryParser{}
}

// Parse returns block elements in document order. Paragraphs nested in other
// blocks (a <p> inside a <blockquote>) are reported under the outer block only.
func (GoqueryParser) Parse(rawHTML string) ([]Block, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var (
		blocks  []Block
		iterErr error
	)
	doc.Find(blockSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.ParentsFiltered(blockSelector).Length() > 0 {
			return true
		}
		outer, err := goquery.OuterHtml(sel)
		if err != nil {
			iterErr = fmt.Errorf("render block: %w", err)
			return false
		}
		blocks = append(blocks, Block{Tag: goquery.NodeName(sel), HTML: outer})
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return blocks, nil
}
