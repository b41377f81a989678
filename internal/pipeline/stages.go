// Package pipeline defines the acquisition pipeline vocabulary shared by the
// webhook intake service and the backfill reconciler: tracked stage names,
// their order, and lead-source classification.
package pipeline

import "strings"

// Stage names as they appear in Follow Up Boss. These must match the CRM
// exactly; the ledger stores them verbatim.
const (
	StageOffersMade    = "ACQ - Offers Made"
	StageContractSent  = "ACQ - Contract Sent"
	StageUnderContract = "ACQ - Under Contract"
	StageClosed        = "Closed"
	StageClosedWon     = "ACQ - Closed Won"
)

// TrackedStages lists the stages the reconciler cross-references against the
// ledger, in pipeline order.
var TrackedStages = []string{
	StageOffersMade,
	StageContractSent,
	StageUnderContract,
	StageClosed,
	StageClosedWon,
}

// SynthesisOrder is the strictly ordered sub-pipeline used when the
// reconciler detects an entity skipped over intermediate stages. Stages
// outside this list never get synthesized records.
var SynthesisOrder = []string{
	StageOffersMade,
	StageContractSent,
	StageUnderContract,
}

// SynthesisIndex returns the position of a stage within SynthesisOrder,
// or -1 when the stage is not part of the ordered sub-pipeline.
func SynthesisIndex(stage string) int {
	for i, s := range SynthesisOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Lead source classifications. There are only two: ReadyMode marks
// cold-call-sourced leads, everything else is a text campaign lead.
const (
	LeadSourceReadyMode = "ReadyMode"
	LeadSourceTextLead  = "Text Lead"
)

// ClassifyLeadSource derives the lead source classification from an entity's
// CRM tags. Matching is case-insensitive and tolerates the historical
// spelling variants of the ReadyMode tag.
func ClassifyLeadSource(tags []string) string {
	for _, tag := range tags {
		t := strings.ToLower(tag)
		if strings.Contains(t, "readymode") || strings.Contains(t, "ready mode") || strings.Contains(t, "ready-mode") {
			return LeadSourceReadyMode
		}
	}
	return LeadSourceTextLead
}
