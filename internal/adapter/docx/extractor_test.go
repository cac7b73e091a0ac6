package docx

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/chartpipe/internal/domain"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleXML = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Chief complaint:</w:t></w:r><w:r><w:tab/><w:t>chest pain</w:t></w:r></w:p>
    <w:p><w:r><w:t>History</w:t><w:br/><w:t>of present illness</w:t></w:r></w:p>
  </w:body>
</w:document>`

func TestExtract_Docx(t *testing.T) {
	e := New()
	text, err := e.Extract(buildDocx(t, sampleXML))
	require.NoError(t, err)
	assert.Contains(t, text, "Chief complaint:\tchest pain")
	assert.Contains(t, text, "History\nof present illness")
}

func TestExtract_DocxMissingPart(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/other.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte("<x/>"))
	require.NoError(t, zw.Close())

	_, err = New().Extract(buf.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtractionFailed)
}

func TestExtract_LegacyDoc(t *testing.T) {
	body := append([]byte{0xd0, 0xcf, 0x11, 0xe0}, []byte("Patient seen for followup visit.\x00\x01\x02short")...)
	text, err := New().Extract(body)
	require.NoError(t, err)
	assert.Contains(t, text, "Patient seen for followup visit.")
}

func TestExtract_Empty(t *testing.T) {
	_, err := New().Extract(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtractionFailed)
}
