package services

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/providers/llm"
	pgrepo "github.com/curaline/telecare/internal/repositories/postgres"
	"github.com/curaline/telecare/internal/utils"
)

type ReportService interface {
	// SubmitReport persists the provider notes, completes the record, and
	// best-effort attaches a summary. A summarization failure never blocks
	// completion: the returned record is completed with notes set and the
	// summary left empty.
	SubmitReport(ctx context.Context, sessionID, notes, participantName string) (*models.Consultation, error)
	// Resummarize retries summarization for an already-completed record.
	Resummarize(ctx context.Context, sessionID, participantName string) (*models.Consultation, error)
}

type reportService struct {
	records    pgrepo.ConsultationRepository
	summarizer llm.Summarizer
	log        *logrus.Logger
}

func NewReportService(records pgrepo.ConsultationRepository, summarizer llm.Summarizer, log *logrus.Logger) ReportService {
	return &reportService{records: records, summarizer: summarizer, log: log}
}

func (s *reportService) SubmitReport(ctx context.Context, sessionID, notes, participantName string) (*models.Consultation, error) {
	const op = "ReportService.SubmitReport"

	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "notes must not be empty", nil)
	}

	rec, err := s.get(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case models.StatusActive:
		if err := s.records.CompleteWithNotes(ctx, sessionID, notes); err != nil {
			if errors.Is(err, utils.ErrStaleStatus) {
				return nil, utils.E(utils.CodeConflict, op, "consultation is not awaiting a report", err)
			}
			return nil, utils.E(utils.CodeInternal, op, "failed to complete consultation", err)
		}
	case models.StatusCompleted:
		// retry path: notes already landed, only the summary is missing
		if rec.Summary != nil {
			return rec, nil
		}
	default:
		return nil, utils.E(utils.CodeConflict, op, "consultation is not awaiting a report", nil)
	}

	s.summarize(ctx, sessionID, notes, participantName, rec.CallKind)

	out, err := s.get(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *reportService) Resummarize(ctx context.Context, sessionID, participantName string) (*models.Consultation, error) {
	const op = "ReportService.Resummarize"

	rec, err := s.get(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusCompleted || rec.Notes == nil {
		return nil, utils.E(utils.CodeConflict, op, "consultation has no completed report", nil)
	}

	s.summarize(ctx, sessionID, *rec.Notes, participantName, rec.CallKind)

	out, err := s.get(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// summarize requests and persists the summary. Failures are logged only;
// the record stays completed with its notes intact either way.
func (s *reportService) summarize(ctx context.Context, sessionID, notes, participantName string, kind models.CallKind) {
	if participantName == "" {
		participantName = "the patient"
	}
	summary, err := s.summarizer.Summarize(ctx, llm.SummaryRequest{
		Notes:           notes,
		ParticipantName: participantName,
		CallKind:        kind,
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("summarization failed; report kept without summary")
		return
	}
	if err := s.records.SetSummary(ctx, sessionID, summary); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("persisting summary failed")
	}
}

func (s *reportService) get(ctx context.Context, op, sessionID string) (*models.Consultation, error) {
	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	rec, err := s.records.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "consultation not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get consultation", err)
	}
	return rec, nil
}
