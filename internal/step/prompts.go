package step

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sparlo/report-engine/internal/model"
)

const systemPrompt = `You are an innovation analysis engine. You decompose an inventive
problem, survey prior art and domain mechanisms, surface the core
contradiction, and identify the sweet spot where a novel solution fits.

Always respond with a single JSON object and nothing else. No prose, no
markdown fences. Field values must be grounded in the material provided
in the user message; do not invent citations.`

const stepInstruction = `Step: %s (%s)

Produce a JSON object containing at least these fields: %s.

Use only the problem description and the prior step outputs included
below. If a field calls for a list, return a JSON array.`

// BuildPrompt assembles the user prompt for one step from the original
// problem input, the clarification exchange if one happened, and the
// declared upstream payloads. Steps never see outputs they did not
// declare, and upstream payloads are compacted to their summary fields
// so prompts stay bounded along the chain.
func BuildPrompt(chain *model.ChainDefinition, def model.StepDefinition, input, question, answer string, results map[string]model.StepResult) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, stepInstruction, def.ID, def.Name, strings.Join(def.Required, ", "))
	b.WriteString("\n\n## Problem\n\n")
	b.WriteString(input)

	if answer != "" {
		b.WriteString("\n\n## Clarification\n\n")
		if question != "" {
			b.WriteString("Q: " + question + "\n")
		}
		b.WriteString("A: " + answer)
	}

	for _, dep := range def.Uses {
		sr, ok := results[dep]
		if !ok {
			return "", eris.Errorf("step: %s requires output of %s which is missing", def.ID, dep)
		}
		var summary []string
		if depDef, ok := chain.Step(dep); ok {
			summary = depDef.Summary
		}
		compact, err := compactPayload(sr.Payload, summary)
		if err != nil {
			return "", eris.Wrapf(err, "step: compact %s payload", dep)
		}
		fmt.Fprintf(&b, "\n\n## Output of %s\n\n%s", dep, compact)
	}

	return b.String(), nil
}

// compactPayload keeps only the named top-level fields of a JSON object.
// An empty field list keeps everything.
func compactPayload(payload json.RawMessage, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 || len(payload) == 0 {
		return payload, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	trimmed := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			trimmed[f] = v
		}
	}
	return json.Marshal(trimmed)
}
