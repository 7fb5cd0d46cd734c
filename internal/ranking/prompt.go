package ranking

import (
	"encoding/json"
	"fmt"

	"cv-pipeline/internal/llm"
)

const systemPrompt = "You are a recruiting copilot."

const rubric = `You are a recruiting copilot. Given a ` + "`job_description`" + ` and one candidate record parsed from a resume, you must:
1) score the candidate's fit on a 0-10 scale using the rubric below,
2) explain the score briefly but concretely,
3) if the score > 5, draft a short, personalized outreach email.

### Inputs
- ` + "`job_description`" + `: the role description.
- ` + "`instructions`" + `: custom recruiter instructions. They carry the HIGHEST weight.
- ` + "`candidate`" + `: fields parsed from the resume (any may be missing): full_name, first_name, last_name, headline, about,
  email, phone, current_title, current_company, current_duration_years, location, country, skills_top, skills_all,
  companies_worked, roles_timeline, educations, certificates, projects, titles, totalExpMonths, resume_markdown.
- ` + "`id`" + ` is the applicant record id.

### Scoring rubric (100 pts, converted to 0-10)
Score each dimension, sum to 100, divide by 10 and round to one decimal. Apply the ` + "`instructions`" + ` strictly: they may
impose hard requirements on skills, location or work arrangement.

1. Skill Match (30 pts)
2. Role/Domain Relevance (20 pts)
3. Recency & Tenure (10 pts)
4. Impact Signals (10 pts)
5. Education/Certs Alignment (10 pts)
6. Leadership/Collaboration (8 pts)
7. Location/Work Modality Fit (7 pts)
8. Seniority & Scope (5 pts)

Penalties: -5 when critical skills are missing; -3 when the last relevant experience is more than 5 years old. Cap [0,100].

### Evidence
Score only on explicit resume evidence; write "not evidenced in resume" when unsure. Missing fields are not penalized
unless the job requires them.

### Interview questions
Write 5-7 questions specific to this candidate's history and the job's critical skills, including 1-2 behavioral ones.

### Output format (STRICT JSON ONLY)
{
  "overall_rating": 0.0,
  "score_breakdown": {
    "skills_match": 0,
    "role_domain_relevance": 0,
    "recency_tenure": 0,
    "impact_signals": 0,
    "education_certs": 0,
    "leadership_collaboration": 0,
    "location_modality_fit": 0,
    "seniority_scope": 0,
    "penalties": 0
  },
  "justification": "2-5 sentences citing resume evidence against the job.",
  "decision": "proceed" | "park" | "reject",
  "highlights_for_recruiter": ["short bullets"],
  "outreach_email": {"send": true, "to": "email or null", "subject": "...", "body": "120-220 words", "id": "candidate id"},
  "whatsapp_message": {"send": true, "body": "60-120 words"},
  "interview_questions": ["..."]
}`

type promptInput struct {
	JobDescription string     `json:"job_description"`
	Instructions   *string    `json:"instructions"`
	Candidate      *Candidate `json:"candidate"`
}

func buildMessages(item Item) ([]llm.Message, error) {
	in := promptInput{JobDescription: item.JD, Candidate: &item.Candidate}
	if item.Instructions != "" {
		instructions := item.Instructions
		in.Instructions = &instructions
	}
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ranking input: %w", err)
	}
	user := fmt.Sprintf("Return STRICT JSON only. Do not include markdown fences or commentary.\n\nINPUT:\n%s\n\nSPEC:\n%s", payload, rubric)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}, nil
}
