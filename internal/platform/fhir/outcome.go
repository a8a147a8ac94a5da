package fhir

import "fmt"

// OperationOutcome severity levels defined by FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes defined by FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTooCostly    = "too-costly"
	IssueTypeTransient    = "transient"
	IssueTypeDeleted      = "deleted"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func SuccessOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, message)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome reports a resource whose current version is a deletion.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// ConflictOutcome reports an If-Match precondition that did not hold.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

// ThrottleOutcome reports that the document store is rate-limiting requests.
func ThrottleOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeThrottled,
		"Request rate exceeded. Please retry after a delay.")
}

// TooCostlyOutcome reports an operation larger than the store accepts in one
// request.
func TooCostlyOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTooCostly, diagnostics)
}

// UnavailableOutcome reports a transient store failure.
func UnavailableOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTransient,
		"The data store is temporarily unavailable. Please retry.")
}

// MethodNotAllowedOutcome reports an operation the resource does not permit,
// such as creating through update when that is disabled.
func MethodNotAllowedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, diagnostics)
}
