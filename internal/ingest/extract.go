package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ErrUnsupported is returned for file types that cannot be imported.
var ErrUnsupported = errors.New("unsupported file type")

// maxParallelExtract bounds concurrent file reads in ExtractFiles.
const maxParallelExtract = 4

// Document is one knowledge entry extracted from an imported file.
type Document struct {
	Title         string   `yaml:"title"`
	Content       string   `yaml:"content"`
	Tags          []string `yaml:"tags"`
	KnowledgeType string   `yaml:"type"`
	Source        string   `yaml:"source"`
}

// Extract turns the named file's bytes into documents. The extension picks
// the format: .txt, .md, .html, .pdf, or .yaml for a seed list of entries.
func Extract(name string, data []byte) ([]Document, error) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var doc Document
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text":
		doc = Document{Title: stem, Content: string(data)}
	case ".md", ".markdown":
		doc = markdownDocument(stem, string(data))
	case ".html", ".htm":
		d, err := htmlDocument(stem, data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", base, err)
		}
		doc = d
	case ".pdf":
		text, err := pdfText(data)
		if err != nil {
			return nil, fmt.Errorf("reading pdf %s: %w", base, err)
		}
		doc = Document{Title: stem, Content: text}
	case ".yaml", ".yml":
		docs, err := seedDocuments(data)
		if err != nil {
			return nil, fmt.Errorf("parsing seed %s: %w", base, err)
		}
		for i := range docs {
			if docs[i].Source == "" {
				docs[i].Source = base
			}
		}
		return docs, nil
	default:
		return nil, fmt.Errorf("%s: %w", base, ErrUnsupported)
	}

	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Content == "" {
		return nil, fmt.Errorf("%s: no text content", base)
	}
	doc.Source = base
	return []Document{doc}, nil
}

// ExtractFiles reads and extracts paths concurrently. Results keep the order
// of paths; the first failure cancels the rest.
func ExtractFiles(ctx context.Context, paths []string) ([]Document, error) {
	results := make([][]Document, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelExtract)

	for i, path := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			docs, err := Extract(path, data)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Document
	for _, docs := range results {
		out = append(out, docs...)
	}
	return out, nil
}

// markdownDocument takes the first level-one heading as the title.
func markdownDocument(stem, text string) Document {
	doc := Document{Title: stem, Content: text}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if title, ok := strings.CutPrefix(line, "# "); ok {
			doc.Title = strings.TrimSpace(title)
			break
		}
	}
	return doc
}

func htmlDocument(stem string, data []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Document{}, err
	}
	doc := Document{Title: stem}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				if n.Data == "head" {
					if t := findTitle(n); t != "" {
						doc.Title = t
					}
				}
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				sb.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				sb.WriteString(s)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	doc.Content = collapseBlankLines(sb.String())
	return doc, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// seedDocuments parses a YAML seed: either a list of entries or a mapping
// with an "entries" list.
func seedDocuments(data []byte) ([]Document, error) {
	var list []Document
	if err := yaml.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Entries []Document `yaml:"entries"`
		}
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, err
		}
		list = wrapped.Entries
	}

	out := make([]Document, 0, len(list))
	for i, d := range list {
		d.Title = strings.TrimSpace(d.Title)
		d.Content = strings.TrimSpace(d.Content)
		if d.Title == "" && d.Content == "" {
			return nil, fmt.Errorf("entry %d has neither title nor content", i)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("no entries")
	}
	return out, nil
}
