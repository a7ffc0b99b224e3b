package speech

import (
	"context"
	"fmt"

	commentanalyzer "google.golang.org/api/commentanalyzer/v1alpha1"
	"google.golang.org/api/option"

	"github.com/mikeyg42/anomalycam/internal/alert"
)

// perspectiveAttributes maps Perspective attribute names to score keys.
var perspectiveAttributes = map[string]string{
	"TOXICITY":        alert.Toxicity,
	"THREAT":          alert.Threat,
	"INSULT":          alert.Insult,
	"IDENTITY_ATTACK": alert.IdentityAttack,
}

// PerspectiveScorer rates text with the Perspective comment analyzer.
type PerspectiveScorer struct {
	svc       *commentanalyzer.Service
	languages []string
}

func NewPerspectiveScorer(ctx context.Context, apiKey string, opts ...option.ClientOption) (*PerspectiveScorer, error) {
	if apiKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	}
	svc, err := commentanalyzer.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init comment analyzer: %w", err)
	}
	return &PerspectiveScorer{svc: svc, languages: []string{"en"}}, nil
}

// Score returns the summary score of each requested attribute. Attributes
// missing from the response are left out and count as 0 downstream.
func (p *PerspectiveScorer) Score(ctx context.Context, text string) (alert.Scores, error) {
	requested := make(map[string]commentanalyzer.AttributeParameters, len(perspectiveAttributes))
	for name := range perspectiveAttributes {
		requested[name] = commentanalyzer.AttributeParameters{}
	}

	resp, err := p.svc.Comments.Analyze(&commentanalyzer.AnalyzeCommentRequest{
		Comment:             &commentanalyzer.TextEntry{Text: text},
		RequestedAttributes: requested,
		Languages:           p.languages,
		DoNotStore:          true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: analyze: %v", ErrService, err)
	}

	scores := make(alert.Scores, len(perspectiveAttributes))
	for name, key := range perspectiveAttributes {
		attr, ok := resp.AttributeScores[name]
		if !ok || attr.SummaryScore == nil {
			continue
		}
		scores[key] = attr.SummaryScore.Value
	}
	return scores, nil
}
