package cv

import (
	"context"
	"fmt"

	"cv-pipeline/internal/llm"

	"github.com/sirupsen/logrus"
)

const extractionSystem = "You are a strict JSON generator. Output only raw JSON matching the schema. No code fences, no markdown, no comments."

const extractionSchema = `{
  "fullName": string,
  "emails": string[],
  "phones": string[],
  "location": string|null,
  "skills": string[],
  "titles": string[],
  "totalExpMonths": number,
  "education": Array<{ degree: string, field?: string, institution?: string, graduationYear?: number }>,
  "companies": Array<{ company: string, title?: string, start?: string, end?: string, durationMonths?: number }>,
  "certifications": string[]
}`

const maxListItems = 200

// Profile is the structured view of a resume.
type Profile struct {
	Extracted      map[string]any
	Skills         []string
	Titles         []string
	Location       string
	TotalExpMonths int
	Cost           float64
}

type Extractor struct {
	llm    llm.Chatter
	models []string
	log    *logrus.Entry
}

func NewExtractor(chatter llm.Chatter, models []string, log *logrus.Entry) *Extractor {
	return &Extractor{llm: chatter, models: models, log: log}
}

// JobContext renders the job block appended to the extraction prompt.
func JobContext(title, description string) string {
	return fmt.Sprintf("Job: %s\nDescription:\n%s", title, description)
}

// Extract asks the model for the profile JSON. Model or parse failures
// yield an empty profile so the markdown can still be stored.
func (e *Extractor) Extract(ctx context.Context, markdown, jobContext string) *Profile {
	user := fmt.Sprintf("Resume (Markdown):\n\n%s\n\nContext:\n%s\n\nReturn JSON matching schema: %s", markdown, jobContext, extractionSchema)

	p := &Profile{Extracted: map[string]any{}}
	if e.llm == nil {
		return p
	}
	out, err := e.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractionSystem},
		{Role: llm.RoleUser, Content: user},
	}, e.models)
	if err != nil {
		e.log.WithError(err).Warn("extraction failed, storing markdown only")
		return p
	}
	p.Cost = out.Cost()
	if parsed := llm.ParseJSON(out.Text); parsed != nil {
		p.Extracted = parsed
	}
	p.Skills = stringList(p.Extracted["skills"], maxListItems)
	p.Titles = stringList(p.Extracted["titles"], maxListItems)
	if loc, ok := p.Extracted["location"].(string); ok {
		p.Location = loc
	}
	if months, ok := p.Extracted["totalExpMonths"].(float64); ok {
		p.TotalExpMonths = int(months)
	}
	e.log.WithFields(logrus.Fields{"skills": len(p.Skills), "titles": len(p.Titles)}).Debug("profile extracted")
	return p
}

func stringList(v any, limit int) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}
