package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cv-pipeline/internal/ats"
	"cv-pipeline/internal/cv"
	"cv-pipeline/internal/objectstore"
	"cv-pipeline/internal/retry"
	"cv-pipeline/internal/storage"
	"cv-pipeline/internal/tracker"

	"github.com/sirupsen/logrus"
)

// applicantError is a per-applicant failure.
type applicantError struct {
	applicantID string
	name        string
	label       string
	err         error
}

func (e *applicantError) Error() string { return fmt.Sprintf("%s: %v", e.label, e.err) }
func (e *applicantError) Unwrap() error { return e.err }

func (p *Pending) processOne(ctx context.Context, sub submission) {
	o := p.o
	name := sub.name()
	log := o.log.WithFields(logrus.Fields{"run_id": p.run.ID(), "job_code": p.job.JobCode, "applicant": name})

	err := p.handle(ctx, sub, log)
	if err == nil {
		return
	}

	var ae *applicantError
	if !errors.As(err, &ae) {
		ae = &applicantError{name: name, label: "Failed to process submission", err: err}
	}
	msg := fmt.Sprintf("%s for %s: %v", ae.label, firstNonEmpty(ae.name, name), ae.err)
	log.WithError(err).Error("applicant failed")

	p.summary.ErrorCount++
	p.summary.Errors = append(p.summary.Errors, msg)
	p.run.Log(ctx, tracker.Entry{
		Level:         storage.LevelError,
		Message:       fmt.Sprintf("%s: %v", ae.label, ae.err),
		ApplicantID:   ae.applicantID,
		ApplicantName: ae.name,
	})
	d := storage.CounterDelta{Errors: 1, ErrorMessages: []string{msg}}
	if ae.name != "" {
		d.Failed = []string{ae.name}
	}
	p.run.Update(ctx, d)
}

func (p *Pending) handle(ctx context.Context, sub submission, log *logrus.Entry) error {
	o := p.o
	name := sub.name()
	applicantKey := sub.applicantKey()
	if applicantKey == "" {
		return errors.New("submission has no applicant id")
	}

	existing, err := o.Store.GetApplicantByExternalID(ctx, applicantKey)
	if errors.Is(err, storage.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return fmt.Errorf("load applicant: %w", err)
	}

	if d := o.dedup(ctx, existing, sub, p.mode, p.retrying); d.skip {
		log.WithField("reason", d.reason).Info("skipped")
		entry := tracker.Entry{Level: storage.LevelInfo, Message: "Skipped processing: " + d.reason, ApplicantName: name}
		if existing != nil {
			entry.ApplicantID = existing.ID
		}
		p.run.Log(ctx, entry)
		p.run.Update(ctx, storage.CounterDelta{Skipped: 1})
		p.summary.SkippedCount++
		return nil
	}

	encID := sub.encryptedApplicantID()
	detail := p.fetchDetail(ctx, existing, sub, encID, log)
	c := deriveContact(sub, detail)
	if existing != nil {
		c.email = firstNonEmpty(c.email, existing.Email)
		c.phone = firstNonEmpty(c.phone, existing.Phone)
		c.location = firstNonEmpty(c.location, existing.Location)
	}

	applicant, err := o.Store.UpsertApplicant(ctx, &storage.Applicant{
		ExternalID: applicantKey,
		JobID:      p.job.ID,
		Name:       c.name,
		Email:      c.email,
		Phone:      c.phone,
		Location:   c.location,
		Status:     storage.StatusImported,
	})
	if err != nil {
		return fmt.Errorf("upsert applicant: %w", err)
	}
	p.run.Log(ctx, tracker.Entry{
		Level:         storage.LevelSuccess,
		Message:       "Applicant profile created/updated",
		ApplicantID:   applicant.ID,
		ApplicantName: c.name,
		Details:       map[string]any{"hasEmail": c.email != "", "hasPhone": c.phone != "", "location": c.location},
	})

	if err := o.Store.UpsertSubmission(ctx, sub.toStored(p.job.ID, applicant.ID, encID)); err != nil {
		return &applicantError{applicantID: applicant.ID, name: name, label: "Submission save failed", err: err}
	}

	if p.mode == ModeFullParse {
		return p.fullParse(ctx, sub, applicant, c, log)
	}
	return p.basic(ctx, sub, applicant, c, detail, encID, log)
}

// fetchDetail calls the detail endpoint unless the applicant already has
// contact info under a real name. Failures only cost the extra fields.
func (p *Pending) fetchDetail(ctx context.Context, existing *storage.Applicant, sub submission, encID string, log *logrus.Entry) ats.Record {
	placeholder := placeholderName.MatchString(sub.name())
	if existing != nil && (existing.Email != "" || existing.Phone != "") && !placeholder {
		log.Debug("skipping applicant details fetch, contact info present")
		return nil
	}
	id := encID
	if id == "" {
		if key := sub.applicantKey(); hasLetter.MatchString(key) {
			id = key
		}
	}
	if id == "" {
		return nil
	}
	detail, err := p.o.ATS.GetApplicantDetail(ctx, id)
	if err != nil {
		log.WithError(err).Warn("could not fetch applicant details")
		return nil
	}
	return detail
}

// resolveResumeURL tries the submission, then the detail documents, then a
// fresh detail fetch.
func (p *Pending) resolveResumeURL(ctx context.Context, sub submission, detail ats.Record, encID string, log *logrus.Entry) string {
	if u := sub.resumeURL(); u != "" {
		return u
	}
	if u := detailResumeURL(detail); u != "" {
		return u
	}
	if encID == "" {
		return ""
	}
	fresh, err := p.o.ATS.GetApplicantDetail(ctx, encID)
	if err != nil {
		log.WithError(err).Warn("fallback details fetch failed")
		return ""
	}
	return detailResumeURL(fresh)
}

// basic stores contact info and the resume file without parsing.
func (p *Pending) basic(ctx context.Context, sub submission, a *storage.Applicant, c contact, detail ats.Record, encID string, log *logrus.Entry) error {
	o := p.o
	fail := func(label string, err error) error {
		return &applicantError{applicantID: a.ID, name: sub.name(), label: label, err: err}
	}

	has, err := o.Store.HasResume(ctx, a.ID)
	if err != nil {
		return fail("Resume lookup failed", err)
	}
	switch {
	case has:
		log.Debug("resume already stored, skipping upload")
	case o.Uploader == nil:
		log.Debug("object storage not configured, skipping upload")
	default:
		resumeURL := p.resolveResumeURL(ctx, sub, detail, encID, log)
		if resumeURL == "" || !validResumeURL(resumeURL) {
			log.Info("no valid resume URL, skipped upload")
			break
		}
		data, err := o.ATS.DownloadResume(ctx, resumeURL)
		if err != nil {
			return fail("Resume download failed", err)
		}
		filename := objectstore.ResumeFilename(c.fileBase, resumeURL)
		if _, err := p.upload(ctx, a, data, filename); err != nil {
			return fail("Upload failed", err)
		}
	}

	p.summary.ProcessedCount++
	p.run.Update(ctx, storage.CounterDelta{Processed: 1, Successful: []string{sub.name()}})
	return nil
}

// upload stores the resume with retry and records the Resume row.
func (p *Pending) upload(ctx context.Context, a *storage.Applicant, data []byte, filename string) (string, error) {
	o := p.o
	key := objectstore.ResumeKey(p.job.JobCode, a.ExternalID, filename)
	mime := objectstore.MimeType(filename)
	policy := retry.Policy{
		Retries: o.opts.UploadRetries,
		Backoff: o.opts.UploadBackoff,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.log.WithError(err).WithFields(logrus.Fields{"key": key, "attempt": attempt + 1}).Warn("upload attempt failed")
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		_, err := o.Uploader.Put(ctx, objectstore.Object{
			Key:         key,
			Body:        data,
			ContentType: mime,
			Metadata:    map[string]string{"jobId": p.job.ID, "applicantId": a.ID},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if err := o.Store.SaveResume(ctx, &storage.Resume{
		ApplicantID: a.ID,
		StorageKey:  key,
		MimeType:    mime,
		SizeBytes:   int64(len(data)),
	}); err != nil {
		return "", fmt.Errorf("save resume: %w", err)
	}
	p.run.Log(ctx, tracker.Entry{
		Level:         storage.LevelSuccess,
		Message:       "Resume uploaded to object storage",
		ApplicantID:   a.ID,
		ApplicantName: a.Name,
		Details:       map[string]any{"key": key, "mimeType": mime, "sizeBytes": len(data)},
	})
	p.run.Update(ctx, storage.CounterDelta{Uploads: 1})
	return key, nil
}

// fullParse downloads, stores, parses, extracts and embeds one resume.
func (p *Pending) fullParse(ctx context.Context, sub submission, a *storage.Applicant, c contact, log *logrus.Entry) error {
	o := p.o
	name := sub.name()
	fail := func(label string, err error) error {
		return &applicantError{applicantID: a.ID, name: name, label: label, err: err}
	}

	resumeURL := sub.resumeURL()
	if resumeURL == "" || !validResumeURL(resumeURL) {
		return fail("Parse failed", fmt.Errorf("no valid resume URL found for %s. URL: %s", name, firstNonEmpty(resumeURL, "none")))
	}
	data, err := o.ATS.DownloadResume(ctx, resumeURL)
	if err != nil {
		return fail("Parse failed", err)
	}
	filename := objectstore.ResumeFilename(c.fileBase, resumeURL)

	if o.Uploader != nil {
		has, err := o.Store.HasResume(ctx, a.ID)
		if err != nil {
			log.WithError(err).Warn("resume lookup failed, uploading anyway")
		}
		if !has {
			if _, err := p.upload(ctx, a, data, filename); err != nil {
				log.WithError(err).Warn("upload failed, parsing anyway")
				p.run.Log(ctx, tracker.Entry{
					Level:         storage.LevelWarning,
					Message:       fmt.Sprintf("Upload failed, parsing anyway: %v", err),
					ApplicantID:   a.ID,
					ApplicantName: name,
				})
			}
		}
	}

	if o.Parser == nil {
		return fail("Parse failed", errors.New("no document parser configured"))
	}
	parsed, err := p.parse(ctx, data, filename)
	if err != nil {
		var pe *cv.ParseError
		if errors.As(err, &pe) && pe.Pages > 0 {
			p.addParsingCost(ctx, pe.Pages)
		}
		return fail("Parse failed", err)
	}
	if parsed.Empty() {
		return fail("Parse failed", cv.ErrEmptyParse)
	}

	cost := p.addParsingCost(ctx, parsed.Pages)
	p.run.Log(ctx, tracker.Entry{
		Level:         storage.LevelSuccess,
		Message:       fmt.Sprintf("Resume parsed: %d pages, cost: $%.4f", parsed.Pages, cost),
		ApplicantID:   a.ID,
		ApplicantName: name,
		Details:       map[string]any{"pages": parsed.Pages, "cost": cost},
	})

	profile := &cv.Profile{Extracted: map[string]any{}}
	if o.Extractor != nil {
		profile = o.Extractor.Extract(ctx, parsed.Markdown, cv.JobContext(p.job.Title, p.job.Description))
	}
	if profile.Cost > 0 {
		p.summary.Costs.Breakdown.LLM += profile.Cost
		p.run.Update(ctx, storage.CounterDelta{LLMCost: profile.Cost})
	}

	doc, err := json.Marshal(storage.ProfileDocument{
		Markdown:  parsed.Markdown,
		Metadata:  parsed.Metadata,
		Extracted: profile.Extracted,
	})
	if err != nil {
		return fail("Parse failed", err)
	}
	if err := o.Store.UpsertParsedProfile(ctx, &storage.ParsedProfile{
		ApplicantID:    a.ID,
		Data:           doc,
		Skills:         profile.Skills,
		Titles:         profile.Titles,
		Location:       profile.Location,
		TotalExpMonths: profile.TotalExpMonths,
	}); err != nil {
		return fail("Profile save failed", err)
	}
	if err := o.Store.AdvanceApplicantStatus(ctx, a.ID, storage.StatusParsed); err != nil {
		return fail("Status update failed", err)
	}

	p.embed(ctx, a, name, parsed.Markdown, profile, log)

	log.WithFields(logrus.Fields{"pages": parsed.Pages, "skills": len(profile.Skills)}).Info("resume parsed")
	p.summary.ProcessedCount++
	p.run.Update(ctx, storage.CounterDelta{Processed: 1, Parsed: 1, Successful: []string{name}})
	return nil
}

func (p *Pending) parse(ctx context.Context, data []byte, filename string) (*cv.ParseResult, error) {
	o := p.o
	var res *cv.ParseResult
	policy := retry.Policy{
		Retries: o.opts.ParseRetries,
		Backoff: o.opts.ParseBackoff,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.log.WithError(err).WithFields(logrus.Fields{"file": filename, "attempt": attempt + 1}).Warn("parse attempt failed")
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		r, err := o.Parser.Parse(ctx, data, filename)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (p *Pending) addParsingCost(ctx context.Context, pages int) float64 {
	cost := float64(pages) * p.o.opts.ParseCostPerPage
	if cost > 0 {
		p.summary.Costs.Breakdown.Parsing += cost
		p.run.Update(ctx, storage.CounterDelta{ParsingCost: cost})
	}
	return cost
}

// embed is best-effort: failures become warnings.
func (p *Pending) embed(ctx context.Context, a *storage.Applicant, name, markdown string, profile *cv.Profile, log *logrus.Entry) {
	if p.o.Embedder == nil {
		return
	}
	dims, err := p.o.Embedder.ForApplicant(ctx, a.ID, markdown, profile.Skills, profile.Titles)
	if err != nil {
		log.WithError(err).Warn("embedding generation failed")
		p.run.Log(ctx, tracker.Entry{
			Level:         storage.LevelWarning,
			Message:       fmt.Sprintf("Embedding generation failed: %v", err),
			ApplicantID:   a.ID,
			ApplicantName: name,
		})
		return
	}
	p.run.Log(ctx, tracker.Entry{
		Level:         storage.LevelSuccess,
		Message:       fmt.Sprintf("Embedding generated (%d dimensions)", dims),
		ApplicantID:   a.ID,
		ApplicantName: name,
	})
	p.run.Update(ctx, storage.CounterDelta{Embeddings: 1})
}
