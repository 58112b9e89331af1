package splitter

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// TextSplitter cuts paper text into embedding sized chunks. OCR output is
// Markdown and is split on headings first; plain abstracts use the recursive
// character splitter.
type TextSplitter struct {
	plain    textsplitter.TextSplitter
	markdown textsplitter.TextSplitter
}

// NewRecursiveCharacterTextSplitter creates a splitter with the given chunk size and overlap.
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	return &TextSplitter{
		plain: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		markdown: textsplitter.NewMarkdownTextSplitter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

// SplitText splits text into chunks
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	if looksLikeMarkdown(text) {
		return ts.markdown.SplitText(text)
	}
	return ts.plain.SplitText(text)
}

// SplitPaper splits a paper body and prefixes every chunk with its title so a
// chunk is attributable on its own.
func (ts *TextSplitter) SplitPaper(title, body string) ([]string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}
	chunks, err := ts.SplitText(body)
	if err != nil {
		return nil, fmt.Errorf("failed to split %q: %w", title, err)
	}

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, "Title: "+title+"\n\n"+c)
		}
	}
	return out, nil
}

func looksLikeMarkdown(text string) bool {
	return strings.HasPrefix(text, "#") || strings.Contains(text, "\n#") || strings.Contains(text, "\n- Page ")
}
