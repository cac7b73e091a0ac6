// Package docx extracts plain text from word-processor documents without an
// external service. DOCX is a zip container whose main part is WordprocessingML.
package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// Extractor implements domain.WordExtractor.
type Extractor struct{}

// New constructs an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract returns the text content of a DOC or DOCX body. Legacy binary DOC
// files are handled with a lossy printable-text scan.
func (e *Extractor) Extract(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("op=docx.extract: empty body: %w", domain.ErrExtractionFailed)
	}
	if isZip(data) {
		return extractDocx(data)
	}
	return extractLegacyDoc(data)
}

func isZip(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("op=docx.open_zip: %w: %v", domain.ErrExtractionFailed, err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("op=docx.open_part: %w: %v", domain.ErrExtractionFailed, err)
		}
		defer func() { _ = rc.Close() }()
		text, err := parseDocumentXML(rc)
		if err != nil {
			return "", err
		}
		return textx.SanitizeText(text), nil
	}
	return "", fmt.Errorf("op=docx.extract: word/document.xml missing: %w", domain.ErrExtractionFailed)
}

// parseDocumentXML walks the WordprocessingML stream collecting run text,
// turning paragraph ends and explicit breaks into newlines and tabs into tabs.
func parseDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	var inText bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("op=docx.parse_xml: %w: %v", domain.ErrExtractionFailed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br", "cr":
				b.WriteByte('\n')
			case "tab":
				b.WriteByte('\t')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// extractLegacyDoc scans a binary DOC body for printable ASCII runs. Crude
// but enough to feed the coding prompt when a legacy file shows up.
func extractLegacyDoc(data []byte) (string, error) {
	var b strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			b.Write(run)
			b.WriteByte('\n')
		}
		run = run[:0]
	}
	for _, c := range data {
		if c == '\t' || (c >= 32 && c < 127) {
			run = append(run, c)
			continue
		}
		flush()
	}
	flush()
	text := textx.SanitizeText(b.String())
	if text == "" {
		return "", fmt.Errorf("op=docx.extract_legacy: no text found: %w", domain.ErrExtractionFailed)
	}
	return text, nil
}
