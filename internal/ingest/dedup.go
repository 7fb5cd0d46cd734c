package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cv-pipeline/internal/storage"
)

type decision struct {
	skip   bool
	reason string
}

var proceed = decision{reason: "processing needed"}

// dedup decides whether a submission can be skipped. The first matching
// rule wins. Lookup failures are logged and the submission is processed.
// A retry of failed applicants only honours the parsed-profile rule.
func (o *Orchestrator) dedup(ctx context.Context, existing *storage.Applicant, sub submission, mode Mode, retrying bool) decision {
	if !retrying && mode == ModeNone && existing != nil && hasCompleteBasicInfo(existing) {
		return decision{skip: true, reason: fmt.Sprintf("already has complete basic info (status: %s)", existing.Status)}
	}

	if mode == ModeFullParse && existing != nil {
		parsed, err := o.Store.HasParsedProfile(ctx, existing.ID)
		if err != nil {
			o.log.WithError(err).WithField("applicant", existing.ID).Warn("parsed profile lookup failed, proceeding")
		} else if parsed {
			return decision{skip: true, reason: "already has parsed profile"}
		}
	}

	key, incoming := sub.key(), sub.modified()
	if retrying || key == "" || incoming == "" {
		return proceed
	}
	stored, err := o.Store.GetSubmissionByExternalID(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return proceed
	}
	if err != nil {
		o.log.WithError(err).WithField("submission", key).Warn("deduplication check failed, proceeding")
		return proceed
	}
	if !storage.ModifiedNotAfter(incoming, stored.Modified) {
		return proceed
	}
	if mode == ModeNone {
		return decision{skip: true, reason: fmt.Sprintf("submission not modified since %s", incoming)}
	}
	owner, err := o.Store.GetApplicant(ctx, stored.ApplicantID)
	if err == nil && owner.Status == storage.StatusParsed {
		return decision{skip: true, reason: fmt.Sprintf("submission not modified since %s and already parsed", incoming)}
	}
	return proceed
}

func hasCompleteBasicInfo(a *storage.Applicant) bool {
	return a.Status == storage.StatusImported &&
		a.Name != "" &&
		!strings.Contains(a.Name, "Applicant ") &&
		(a.Email != "" || a.Phone != "")
}
