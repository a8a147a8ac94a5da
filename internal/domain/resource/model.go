package resource

import (
	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// UpsertOutcome is the result of a successful write.
type UpsertOutcome struct {
	Wrapper     *docstore.ResourceWrapper
	OutcomeType docstore.SaveOutcomeType
}
