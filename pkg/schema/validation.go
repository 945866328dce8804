package schema

import (
	"strconv"
	"strings"
)

// IssueSeverity marks whether an issue blocks a template from being stored.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// TemplateIssue is one problem found in a template. Path is a JSON-ish path
// such as "steps[1].input_mappings.image_url"; Step is the 1-based step the
// path points into, or 0 for template-level issues.
type TemplateIssue struct {
	Path     string        `json:"path"`
	Step     int           `json:"step,omitempty"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

func (i TemplateIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects template issues. Warnings never block storage.
type ValidationResult struct {
	Errors   []TemplateIssue `json:"errors,omitempty"`
	Warnings []TemplateIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message, SeverityError))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message, SeverityWarning))
}

// Merge appends all issues from other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR whose message joins every error and whose details carry
// the structured issues. A single NOT_FOUND issue keeps its code so callers
// can tell an unknown model from a malformed template.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	code := ErrCodeValidation
	if len(r.Errors) == 1 && r.Errors[0].Code != "" {
		code = r.Errors[0].Code
	}

	msgs := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		msgs[i] = issue.String()
	}
	msg := "invalid workflow template: " + strings.Join(msgs, "; ")

	details := map[string]any{"errors": r.Errors}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return NewError(code, msg).WithDetails(details)
}

func newIssue(path, code, message string, sev IssueSeverity) TemplateIssue {
	return TemplateIssue{Path: path, Step: stepOfPath(path), Code: code, Message: message, Severity: sev}
}

// stepOfPath maps "steps[i]..." to step i+1.
func stepOfPath(path string) int {
	rest, ok := strings.CutPrefix(path, "steps[")
	if !ok {
		return 0
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0
	}
	idx, err := strconv.Atoi(rest[:end])
	if err != nil || idx < 0 {
		return 0
	}
	return idx + 1
}
