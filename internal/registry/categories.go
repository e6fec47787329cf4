package registry

import "strings"

// Worker specialties.
const (
	SpecialtyCodeReview          = "code_review"
	SpecialtyDesignAssessment    = "design_assessment"
	SpecialtyContentEvaluation   = "content_evaluation"
	SpecialtySecurityAudit       = "security_audit"
	SpecialtyPerformanceAnalysis = "performance_analysis"
	SpecialtyUXEvaluation        = "ux_evaluation"
)

// GenericSpecialty is required for categories missing from the table.
const GenericSpecialty = SpecialtyCodeReview

var categorySpecialties = map[string][]string{
	"web development":    {SpecialtyCodeReview, SpecialtySecurityAudit, SpecialtyPerformanceAnalysis},
	"mobile development": {SpecialtyCodeReview, SpecialtyUXEvaluation, SpecialtyPerformanceAnalysis},
	"ui/ux design":       {SpecialtyDesignAssessment, SpecialtyUXEvaluation},
	"content writing":    {SpecialtyContentEvaluation},
	"blockchain":         {SpecialtyCodeReview, SpecialtySecurityAudit},
	"ai/ml":              {SpecialtyCodeReview, SpecialtyPerformanceAnalysis},
}

// NormalizeCategory lower-cases and trims a work category.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// RequiredSpecialties returns the specialties accepted for a work category.
// Unmapped categories fall back to GenericSpecialty.
func RequiredSpecialties(category string) []string {
	specs, ok := categorySpecialties[NormalizeCategory(category)]
	if !ok {
		return []string{GenericSpecialty}
	}
	return append([]string(nil), specs...)
}

// IsMapped reports whether the category has an entry in the specialty table.
func IsMapped(category string) bool {
	_, ok := categorySpecialties[NormalizeCategory(category)]
	return ok
}

// Accepts reports whether any of specialties is accepted for category.
func Accepts(category string, specialties []string) bool {
	for _, want := range RequiredSpecialties(category) {
		for _, have := range specialties {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				return true
			}
		}
	}
	return false
}
