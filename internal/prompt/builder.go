package prompt

import (
	"strings"
)

const (
	CaseBeginMarker = "--- CASE MATERIAL ---"
	CaseEndMarker   = "--- END CASE MATERIAL ---"
)

const instructions = `You are an expert on the Japan Carry Trade case study from MGMT 69000: ` +
	`Mastering AI for Finance at Purdue University. Your role is to help students ` +
	`understand the 2024 yen carry trade unwind, the contagion mechanism, ` +
	`transfer entropy analysis, and the DRIVER framework application.

Answer questions using ONLY the case material provided below. If a question ` +
	`falls outside the scope of this case, say so clearly instead of guessing. ` +
	`Be precise with data points (dates, percentages, levels). When explaining ` +
	`transfer entropy, emphasize the directional/asymmetric nature vs. symmetric correlation.
`

// Build renders the system prompt for a case document. The document text is
// copied verbatim between CaseBeginMarker and CaseEndMarker.
func Build(caseText string) string {
	var b strings.Builder
	b.Grow(len(instructions) + len(caseText) + len(CaseBeginMarker) + len(CaseEndMarker) + 4)

	b.WriteString(instructions)
	b.WriteString("\n")
	b.WriteString(CaseBeginMarker)
	b.WriteString("\n")
	b.WriteString(caseText)
	b.WriteString("\n")
	b.WriteString(CaseEndMarker)
	b.WriteString("\n")

	return b.String()
}
