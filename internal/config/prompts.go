package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts carries the LLM instruction set. Deployments can override the
// defaults with a YAML file referenced by LLM_PROMPT_FILE.
type Prompts struct {
	// CodingSystem is the system prompt framing the model as a medical
	// coding expert and pinning the output schema.
	CodingSystem string `yaml:"coding_system"`
	// SummarySystem frames the per-document summary requests.
	SummarySystem string `yaml:"summary_system"`
}

const defaultCodingSystem = `You are an expert medical coder. You receive the line-numbered text of ` +
	`clinical documents for a single patient encounter together with chart metadata. ` +
	`Produce ICD-10-CM diagnosis codes and CPT procedure codes supported by the documentation. ` +
	`Cite the line numbers that support each code in the evidence field. ` +
	`Respond with a single JSON object: {"diagnosis_codes":{"primary_diagnosis":[...],` +
	`"secondary_diagnoses":[...]},"procedure_codes":[...],"chart_summary":"...","flags":[...]} ` +
	`where each code entry has icd_10_code or cpt_code, description, confidence and evidence. ` +
	`Do not include any text outside the JSON object.`

const defaultSummarySystem = `You are a clinical documentation assistant. Summarize the document in ` +
	`2-3 sentences for a medical coding reviewer: document type, key findings, and anything relevant ` +
	`to code selection. Respond with plain text only.`

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		CodingSystem:  defaultCodingSystem,
		SummarySystem: defaultSummarySystem,
	}
}

// LoadPrompts returns the default prompts overlaid with any fields present
// in the YAML file at path. An empty path yields the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Prompts{}, fmt.Errorf("op=config.LoadPrompts: %w", err)
	}
	var overlay Prompts
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return Prompts{}, fmt.Errorf("op=config.LoadPrompts: %w", err)
	}
	if overlay.CodingSystem != "" {
		p.CodingSystem = overlay.CodingSystem
	}
	if overlay.SummarySystem != "" {
		p.SummarySystem = overlay.SummarySystem
	}
	return p, nil
}
