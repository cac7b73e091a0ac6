package ai

import (
	"fmt"
	"strings"

	"github.com/clinicore/chartpipe/internal/domain"
	"github.com/clinicore/chartpipe/pkg/textx"
)

// Stub is a deterministic AIClient for development and tests. It never calls
// the network.
type Stub struct{}

// NewStub constructs a Stub.
func NewStub() *Stub { return &Stub{} }

// GenerateCoding returns a fixed plausible result derived from the input size.
func (s *Stub) GenerateCoding(_ domain.Context, meta domain.ChartMeta, documents []string) (domain.AIResult, error) {
	if len(documents) == 0 {
		return domain.AIResult{}, fmt.Errorf("op=ai.stub: no documents: %w", domain.ErrInvalidArgument)
	}
	return domain.AIResult{
		DiagnosisCodes: domain.DiagnosisCodes{
			PrimaryDiagnosis: []domain.CodeEntry{{
				ICD10Code:   "R07.9",
				Description: "Chest pain, unspecified",
				Confidence:  "high",
				Evidence:    "stub result",
			}},
		},
		ProcedureCodes: []domain.CodeEntry{{
			CPTCode:     "99213",
			Description: "Office visit, established patient",
			Confidence:  "medium",
		}},
		ChartSummary: fmt.Sprintf("Stub summary for %s across %d document(s).",
			orUnknown(meta.PatientName), len(documents)),
	}, nil
}

// SummarizeDocument returns the first line of the document.
func (s *Stub) SummarizeDocument(_ domain.Context, text string) (string, error) {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return textx.TruncateRunes(strings.TrimSpace(line), 200), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown patient"
	}
	return s
}
