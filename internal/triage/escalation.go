package triage

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

// NewEscalationTask builds the human-queue task for an email. The remark
// carries the failure that forced escalation, or the last review reason when
// drafting ran out of attempts.
func NewEscalationTask(email *Email, s *Scratch, now time.Time) *escalation.Task {
	remark := s.Failure
	if remark == "" {
		if r := s.LastReview(); r != "" {
			remark = fmt.Sprintf("draft rejected after %d attempts: %s", s.RetryCount, r)
		}
	}
	return &escalation.Task{
		EmailID:   email.ID,
		ThreadID:  email.ThreadID,
		Sender:    email.Sender,
		Subject:   email.Subject,
		Body:      email.Body,
		Category:  string(s.Category),
		CreatedAt: now.UTC(),
		Status:    escalation.StatusPending,
		Remark:    remark,
	}
}
