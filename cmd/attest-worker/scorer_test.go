package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/attest/internal/model"
)

func TestScore_CoveredRequirementsApprove(t *testing.T) {
	req := model.AssessmentRequest{
		TaskID:   "t-1",
		Category: "Web Development",
		Deliverables: []string{
			"https://example.com/repo with testing and documentation",
			"deployment notes",
		},
		Description:  strings.Repeat("REST API with OAuth login and rate limiting. ", 3),
		Requirements: []string{"OAuth login", "rate limiting"},
	}

	res := Score(req)
	require.True(t, res.Approved)
	require.Equal(t, 1.0, res.Confidence)
	require.Empty(t, res.Issues)
	require.Empty(t, res.Recommendations)
	require.Equal(t, "code_quality", res.Metadata["rubric"])
	require.Len(t, res.CategoryScores, 5)
	require.Equal(t, 1.0, res.CategoryScores["testing"])
	require.Equal(t, 0.97, res.CategoryScores["performance"])
}

func TestScore_MissingRequirementsReject(t *testing.T) {
	res := Score(model.AssessmentRequest{
		Category:     "web development",
		Deliverables: []string{"repo"},
		Description:  "a server",
		Requirements: []string{"implement OAuth login", "rate limiting"},
	})

	require.False(t, res.Approved)
	require.Equal(t, 0.7, res.Confidence)
	require.Equal(t, []string{
		"requirement not addressed: implement OAuth login",
		"requirement not addressed: rate limiting",
	}, res.Issues)
	require.Len(t, res.Recommendations, 5)
	for _, s := range res.CategoryScores {
		require.Equal(t, 0.65, s)
	}
}

func TestScore_NoDeliverablesLowConfidence(t *testing.T) {
	res := Score(model.AssessmentRequest{
		Category:    "copywriting",
		Description: "landing page copy",
	})
	require.False(t, res.Approved)
	require.Equal(t, 0.4, res.Confidence)
	require.Equal(t, "content_quality", res.Metadata["rubric"])
}

func TestScore_Deterministic(t *testing.T) {
	req := model.AssessmentRequest{
		Category:     "ui/ux design",
		Deliverables: []string{"figma link", "style guide"},
		Description:  "mobile onboarding flow focused on accessibility",
		Requirements: []string{"accessibility audit", "dark mode"},
	}
	require.Equal(t, Score(req), Score(req))
	require.Equal(t, "design_quality", Score(req).Metadata["rubric"])
}

func TestCoverage(t *testing.T) {
	tests := []struct {
		name         string
		requirements []string
		text         string
		want         float64
		missing      int
	}{
		{"none", nil, "anything", 1, 0},
		{"only short words", []string{"do it"}, "", 1, 0},
		{"half", []string{"unit tests", "load balancer"}, "ships unit tests", 0.5, 1},
		{"case folded", []string{"Docker Image"}, "docker image published", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, missing := coverage(tt.requirements, tt.text)
			require.Equal(t, tt.want, got)
			require.Len(t, missing, tt.missing)
		})
	}
}
