package ingest

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"cv-pipeline/internal/ats"
	"cv-pipeline/internal/storage"
)

// Keys known to carry the encrypted applicant id used by the detail
// endpoint, in lookup order.
var encryptedIDKeys = []string{
	"jobSeekerCeipalId",
	"job_seeker_ceipal_id",
	"job_seeker_id",
	"jobSeekerId",
	"applicantCeipalId",
	"applicant_ceipal_id",
	"ceipalApplicantGuid",
	"ceipal_applicant_guid",
	"applicantGuid",
	"applicant_guid",
}

var (
	encryptedIDShape = regexp.MustCompile(`^[A-Za-z0-9_-]+=*$`)
	placeholderName  = regexp.MustCompile(`(?i)^Applicant\s+\d+$`)
	hasLetter        = regexp.MustCompile(`[A-Za-z_-]`)
)

// submission is a typed view over one ATS submission record.
type submission struct {
	rec ats.Record
}

func (s submission) applicantKey() string {
	return s.rec.String("ceipalApplicantId", "applicant_id", "id")
}

func (s submission) key() string {
	return s.rec.String("submission_id", "id")
}

// mergeKey identifies a submission when merging API results with the
// stored backlog.
func (s submission) mergeKey() string {
	return s.rec.String("submission_id", "id", "applicant_id", "job_seeker_id")
}

func (s submission) name() string {
	if n := s.rec.String("applicantName"); n != "" {
		return n
	}
	full := strings.TrimSpace(s.rec.String("applicantFirstName") + " " + s.rec.String("applicantLastName"))
	if full != "" {
		return full
	}
	return "Applicant " + s.applicantKey()
}

// modified is the timestamp compared against the stored submission.
func (s submission) modified() string {
	return s.rec.String("modified", "submitted_on", "submittedOn")
}

func (s submission) resumeURL() string {
	return s.rec.String("merged_pdf_document", "resume", "mergedPdfDocument", "resume_url")
}

// encryptedApplicantID tries the known keys first. Failing that, any
// string field whose key mentions both "applicant" and "id" and whose
// value looks like a URL-safe base64 token of 24+ chars is accepted.
// Keys are scanned in sorted order.
func (s submission) encryptedApplicantID() string {
	if id := s.rec.String(encryptedIDKeys...); id != "" {
		return id
	}
	keys := make([]string, 0, len(s.rec))
	for k := range s.rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := s.rec[k].(string)
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		if strings.Contains(lk, "applicant") && strings.Contains(lk, "id") && len(v) >= 24 && encryptedIDShape.MatchString(v) {
			return v
		}
	}
	return ""
}

func (s submission) toStored(jobID, applicantID, encID string) *storage.Submission {
	return &storage.Submission{
		ExternalID:          s.key(),
		JobID:               jobID,
		ApplicantID:         applicantID,
		ApplicantExternalID: firstNonEmpty(s.rec.String("job_seeker_id", "jobSeekerId", "jobSeekerCeipalId", "job_seeker_ceipal_id"), encID),
		ResumeURL:           s.resumeURL(),
		Modified:            s.rec.String("modified"),
		SubmittedOn:         s.rec.String("submitted_on", "submittedOn"),
		Source:              s.rec.String("source"),
		PipelineStatus:      s.rec.String("pipeline_status", "pipelineStatus"),
		SubmissionStatus:    s.rec.String("submission_status", "submissionStatus"),
	}
}

// backlogRecord maps a stored submission back to the ATS record shape.
func backlogRecord(b storage.BacklogSubmission) ats.Record {
	name := b.ApplicantName
	if name == "" {
		name = "Applicant"
		if b.ApplicantKey != "" {
			name = "Applicant " + b.ApplicantKey
		}
	}
	rec := ats.Record{
		"id":                b.ExternalID,
		"submission_id":     b.ExternalID,
		"resume":            b.ResumeURL,
		"modified":          b.Modified,
		"source":            b.Source,
		"pipeline_status":   b.PipelineStatus,
		"submission_status": b.SubmissionStatus,
		"submitted_on":      b.SubmittedOn,
		"applicant_id":      b.ApplicantKey,
		"ceipalApplicantId": b.ApplicantKey,
		"applicantName":     name,
	}
	if b.ApplicantExternalID != "" {
		rec["job_seeker_id"] = b.ApplicantExternalID
	}
	return rec
}

// mergeBacklog appends backlog records to fetched ones, keeping the first
// record per merge key. Records without a key are always kept.
func mergeBacklog(fetched []ats.Record, backlog []storage.BacklogSubmission) []ats.Record {
	merged := make([]ats.Record, 0, len(fetched)+len(backlog))
	merged = append(merged, fetched...)
	for _, b := range backlog {
		merged = append(merged, backlogRecord(b))
	}
	seen := make(map[string]bool, len(merged))
	out := merged[:0]
	for _, rec := range merged {
		k := submission{rec}.mergeKey()
		if k != "" {
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		out = append(out, rec)
	}
	return out
}

// validResumeURL rejects unparseable, very short and placeholder URLs.
func validResumeURL(raw string) bool {
	if len(raw) <= 15 || strings.Contains(raw, "null") || strings.Contains(raw, "undefined") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// contact is what the orchestrator knows about an applicant after the
// optional detail lookup.
type contact struct {
	name     string
	fileBase string
	email    string
	phone    string
	location string
}

func deriveContact(sub submission, detail ats.Record) contact {
	name := sub.name()
	first := detail.String("firstname", "first_name")
	last := detail.String("lastname", "last_name")
	consultant := detail.String("consultant_name")

	c := contact{name: name}
	switch {
	case first != "" || last != "":
		c.name = strings.TrimSpace(first + " " + last)
	case consultant != "":
		c.name = consultant
	}
	c.fileBase = firstNonEmpty(first, last, consultant, name, "resume")
	c.email = firstNonEmpty(detail.String("email", "email_address_1"), sub.rec.String("applicantEmail", "email"))
	c.phone = firstNonEmpty(
		detail.String("mobile_number", "phone_number", "home_phone_number", "work_phone_number", "mobile", "phone"),
		sub.rec.String("applicantPhone", "phone", "mobile"),
	)
	var loc []string
	for _, k := range []string{"city", "state", "country"} {
		if v := detail.String(k); v != "" {
			loc = append(loc, v)
		}
	}
	c.location = strings.Join(loc, ", ")
	return c
}

func detailResumeURL(detail ats.Record) string {
	docs := detail.Records("documents")
	if len(docs) == 0 {
		return ""
	}
	return docs[0].String("resume_path")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
