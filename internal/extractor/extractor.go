// Package extractor converts fetched bytes into {title, text, outlinks}.
// HTML goes through go-readability for main-content extraction with an
// html-to-markdown conversion fallback, and golang.org/x/net/html for
// outlinks; PDF through ledongthuc/pdf; DOCX through a minimal
// archive/zip + encoding/xml reader; TXT/MD are NFC-normalized.
package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

// Result is the normalized output of extraction.
type Result struct {
	Title    string
	Text     string
	Outlinks []string
}

var whitespaceRun = regexp.MustCompile(`[ \t\f\v]+`)
var blankLines = regexp.MustCompile(`\n{3,}`)

// ExtractHTML strips scripts/styles/event handlers, extracts the visible
// main-content text and title via readability, and collects absolute
// outlinks from the raw document.
func ExtractHTML(raw []byte, pageURL string) (*Result, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "invalid page url for extraction", err)
	}

	article, err := readability.FromReader(bytes.NewReader(raw), base)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "readability extraction failed", err)
	}

	text := article.TextContent
	if strings.TrimSpace(text) == "" {
		// Readability yields nothing for very small or unstructured pages;
		// fall back to a markdown conversion of the raw document.
		markdown, mdErr := md.ConvertString(string(raw))
		if mdErr == nil {
			text = markdown
		}
	}
	text = normalizeWhitespace(text)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Internal, "extraction produced no text", nil)
	}

	outlinks := extractOutlinks(raw, base)

	title := strings.TrimSpace(article.Title)
	return &Result{Title: title, Text: text, Outlinks: outlinks}, nil
}

func extractOutlinks(raw []byte, base *url.URL) []string {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	var links []string
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
					continue
				}
				resolved, err := base.Parse(href)
				if err != nil {
					continue
				}
				if resolved.Scheme != "http" && resolved.Scheme != "https" {
					continue
				}
				resolved.Fragment = ""
				abs := resolved.String()
				if !seen[abs] {
					seen[abs] = true
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// ExtractPDF reads page-by-page text, preserving paragraph breaks between
// pages, via github.com/ledongthuc/pdf.
func ExtractPDF(raw []byte) (*Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apperr.New(apperr.Internal, "pdf could not be opened", err)
	}

	var sb strings.Builder
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
	}

	text := normalizeWhitespace(sb.String())
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Internal, "pdf extraction produced no text", nil)
	}
	return &Result{Text: text}, nil
}

// docBody mirrors just enough of WordprocessingML: a DOCX is a zip archive
// whose word/document.xml holds paragraphs of <w:t> text runs.
type docBody struct {
	XMLName xml.Name     `xml:"document"`
	Body    docBodyInner `xml:"body"`
}

type docBodyInner struct {
	Paragraphs []docParagraph `xml:"p"`
}

type docParagraph struct {
	Runs []docRun `xml:"r"`
}

type docRun struct {
	Text string `xml:"t"`
}

// ExtractDOCX reads word/document.xml out of the OOXML zip container and
// concatenates paragraph text, preserving paragraph breaks.
func ExtractDOCX(raw []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apperr.New(apperr.Internal, "docx could not be opened as a zip archive", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, apperr.New(apperr.Internal, "docx missing word/document.xml", nil)
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, apperr.New(apperr.Internal, "docx document.xml could not be opened", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "docx document.xml could not be read", err)
	}

	var doc docBody
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.New(apperr.Internal, "docx document.xml could not be parsed", err)
	}

	var sb strings.Builder
	for _, p := range doc.Body.Paragraphs {
		for _, run := range p.Runs {
			sb.WriteString(run.Text)
		}
		sb.WriteString("\n\n")
	}

	text := normalizeWhitespace(sb.String())
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Internal, "docx extraction produced no text", nil)
	}
	return &Result{Text: text}, nil
}

// ExtractPlainText treats raw as UTF-8 and applies Unicode NFC
// normalization.
func ExtractPlainText(raw []byte) (*Result, error) {
	text := norm.NFC.String(string(raw))
	text = normalizeWhitespace(text)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Internal, "document contained no text", nil)
	}
	return &Result{Text: text}, nil
}

// Extract dispatches by a simplified content-type/extension hint.
func Extract(raw []byte, kind string, pageURL string) (*Result, error) {
	switch kind {
	case "html":
		return ExtractHTML(raw, pageURL)
	case "pdf":
		return ExtractPDF(raw)
	case "docx":
		return ExtractDOCX(raw)
	case "txt", "md", "csv", "doc":
		return ExtractPlainText(raw)
	default:
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unsupported document kind %q", kind), nil)
	}
}

func normalizeWhitespace(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' {
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
