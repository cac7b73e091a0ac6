package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForMIME(t *testing.T) {
	cases := []struct {
		mime string
		want DocumentKind
	}{
		{MIMEPdf, KindScanned},
		{"image/png", KindScanned},
		{"image/tiff", KindScanned},
		{MIMEText, KindPlainText},
		{MIMEDoc, KindWord},
		{MIMEDocx, KindWord},
	}
	for _, c := range cases {
		got, err := KindForMIME(c.mime)
		require.NoError(t, err, c.mime)
		assert.Equal(t, c.want, got, c.mime)
	}
}

func TestKindForMIME_Unsupported(t *testing.T) {
	_, err := KindForMIME("application/zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "application/zip")
}

func TestAIResult_Empty(t *testing.T) {
	assert.True(t, AIResult{}.Empty())
	assert.False(t, AIResult{
		DiagnosisCodes: DiagnosisCodes{PrimaryDiagnosis: []CodeEntry{{ICD10Code: "K35.80"}}},
	}.Empty())
	assert.False(t, AIResult{ProcedureCodes: []CodeEntry{{CPTCode: "99213"}}}.Empty())
}

func TestJobStatusEvent_Encode(t *testing.T) {
	ev := JobStatusEvent{
		JobID:     "job-1",
		Status:    string(JobProcessing),
		Phase:     PhaseExtracting,
		Message:   "2 documents",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Encode()), &decoded))
	assert.Equal(t, "job-1", decoded["jobId"])
	assert.Equal(t, "processing", decoded["status"])
	assert.Equal(t, "extracting", decoded["phase"])
}

func TestChartStatusEvent_Encode(t *testing.T) {
	ev := ChartStatusEvent{SessionID: "sess-1", AIStatus: AIReady, Timestamp: time.Now().UTC()}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Encode()), &decoded))
	assert.Equal(t, "sess-1", decoded["sessionId"])
	assert.Equal(t, "ready", decoded["aiStatus"])
}
