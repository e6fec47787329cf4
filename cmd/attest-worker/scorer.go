package main

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ssd-technologies/attest/internal/model"
)

// Approval needs both a weighted score and enough evidence to trust it.
const (
	approveScore      = 0.75
	approveConfidence = 0.6
	weakCriterion     = 0.7
)

// rubric weights the criteria checked for one family of categories.
type rubric struct {
	name    string
	weights map[string]float64
}

var (
	codeRubric = rubric{name: "code_quality", weights: map[string]float64{
		"syntax_correctness": 0.3,
		"best_practices":     0.25,
		"documentation":      0.2,
		"testing":            0.15,
		"performance":        0.1,
	}}
	designRubric = rubric{name: "design_quality", weights: map[string]float64{
		"visual_appeal":     0.3,
		"usability":         0.25,
		"brand_consistency": 0.2,
		"accessibility":     0.15,
		"responsiveness":    0.1,
	}}
	contentRubric = rubric{name: "content_quality", weights: map[string]float64{
		"accuracy":         0.3,
		"clarity":          0.25,
		"engagement":       0.2,
		"seo_optimization": 0.15,
		"originality":      0.1,
	}}
)

func rubricFor(category string) rubric {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "ui/ux design", "graphic design":
		return designRubric
	case "content writing", "copywriting":
		return contentRubric
	default:
		return codeRubric
	}
}

// Score assesses a request by checking how much of its stated requirements
// the submitted material mentions. The result depends only on req.
func Score(req model.AssessmentRequest) model.AssessmentResult {
	text := corpus(req)
	covered, missing := coverage(req.Requirements, text)

	base := 0.6 + 0.3*covered
	if len(req.Deliverables) > 0 {
		base += 0.05
	}
	if len(req.Description) > 100 {
		base += 0.02
	}

	r := rubricFor(req.Category)
	scores := make(map[string]float64, len(r.weights))
	var overall float64
	for criterion, weight := range r.weights {
		s := base
		if strings.Contains(text, strings.ReplaceAll(criterion, "_", " ")) {
			s += 0.03
		}
		s = round(math.Min(1, s))
		scores[criterion] = s
		overall += s * weight
	}
	overall = round(overall)
	confidence := round(math.Min(1, 0.3*float64(len(req.Deliverables))+0.4))

	issues := make([]string, 0, len(missing))
	for _, m := range missing {
		issues = append(issues, "requirement not addressed: "+m)
	}
	recs := recommendations(scores)

	return model.AssessmentResult{
		Approved:        overall >= approveScore && confidence >= approveConfidence,
		Confidence:      confidence,
		CategoryScores:  scores,
		Issues:          issues,
		Recommendations: recs,
		Metadata: map[string]string{
			"rubric":        r.name,
			"overall_score": fmt.Sprintf("%.2f", overall),
		},
	}
}

func corpus(req model.AssessmentRequest) string {
	parts := append([]string{req.Description}, req.Deliverables...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

// coverage returns the fraction of requirements with every significant word
// present in text, and the requirements that were not covered. No
// requirements counts as full coverage.
func coverage(requirements []string, text string) (float64, []string) {
	var total, hit int
	var missing []string
	for _, req := range requirements {
		words := significant(req)
		if len(words) == 0 {
			continue
		}
		total++
		ok := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				ok = false
				break
			}
		}
		if ok {
			hit++
		} else {
			missing = append(missing, strings.TrimSpace(req))
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(hit) / float64(total), missing
}

// significant lower-cases s and keeps words of four or more letters.
func significant(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

func recommendations(scores map[string]float64) []string {
	var recs []string
	for criterion, s := range scores {
		if s < weakCriterion {
			recs = append(recs, fmt.Sprintf("Improve %s: current score %.2f", strings.ReplaceAll(criterion, "_", " "), s))
		}
	}
	sort.Strings(recs)
	return recs
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
