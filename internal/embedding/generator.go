// Package embedding builds candidate vectors from parsed resumes.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"cv-pipeline/internal/llm"
	"cv-pipeline/internal/storage"

	"github.com/sirupsen/logrus"
)

// MaxChars approximates the 8192 token input limit at 4 chars per token.
const MaxChars = 8192 * 4

const DefaultModel = "text-embedding-3-small"

type Writer interface {
	UpsertEmbedding(ctx context.Context, e *storage.Embedding) error
}

type Generator struct {
	embedder llm.Embedder
	store    Writer
	model    string
	log      *logrus.Entry
}

func NewGenerator(embedder llm.Embedder, store Writer, model string, log *logrus.Entry) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{embedder: embedder, store: store, model: model, log: log}
}

// CandidateText joins the resume with skill and role lines.
func CandidateText(markdown string, skills, titles []string) string {
	parts := make([]string, 0, 3)
	if markdown != "" {
		parts = append(parts, markdown)
	}
	if len(skills) > 0 {
		parts = append(parts, "Skills: "+strings.Join(skills, ", "))
	}
	if len(titles) > 0 {
		parts = append(parts, "Roles: "+strings.Join(titles, ", "))
	}
	return truncate(strings.Join(parts, "\n\n"), MaxChars)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ForApplicant embeds one candidate and stores it under the candidate
// namespace. It returns the vector dimension.
func (g *Generator) ForApplicant(ctx context.Context, applicantID, markdown string, skills, titles []string) (int, error) {
	text := CandidateText(markdown, skills, titles)
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("nothing to embed for applicant %s", applicantID)
	}
	vec, err := g.embedder.Embed(ctx, text, g.model)
	if err != nil {
		return 0, err
	}
	if err := g.store.UpsertEmbedding(ctx, &storage.Embedding{
		Namespace: storage.NamespaceCandidate,
		RefID:     applicantID,
		Model:     g.model,
		Vector:    vec,
	}); err != nil {
		return 0, fmt.Errorf("store embedding: %w", err)
	}
	g.log.WithFields(logrus.Fields{"applicant": applicantID, "dimensions": len(vec)}).Debug("embedding stored")
	return len(vec), nil
}

// ForProfile embeds a stored profile.
func (g *Generator) ForProfile(ctx context.Context, p *storage.ParsedProfile) (int, error) {
	doc := p.Document()
	return g.ForApplicant(ctx, p.ApplicantID, doc.Markdown, p.Skills, p.Titles)
}
