package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/providers/llm"
	"github.com/curaline/telecare/internal/utils"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
	lastReq llm.SummaryRequest
}

func (s *fakeSummarizer) Summarize(ctx context.Context, req llm.SummaryRequest) (string, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func (s *fakeSummarizer) Close() error { return nil }

func activeConsultation(t *testing.T, records *memRepo) *models.Consultation {
	t.Helper()
	rec := &models.Consultation{
		ID:          "sess-1",
		ChannelName: "consult-1",
		CallKind:    models.CallKindAudio,
		Status:      models.StatusActive,
		InitiatorID: "doctor-1",
	}
	require.NoError(t, records.Create(context.Background(), rec))
	return rec
}

func TestSubmitReportRejectsEmptyNotes(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	svc := NewReportService(records, &fakeSummarizer{summary: "s"}, testLogger())

	for _, notes := range []string{"", "   ", "\n\t"} {
		_, err := svc.SubmitReport(context.Background(), "sess-1", notes, "")
		assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
	}

	out, err := records.GetByID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, out.Status)
	assert.Nil(t, out.Notes)
}

func TestSubmitReportNotFound(t *testing.T) {
	svc := NewReportService(newMemRepo(), &fakeSummarizer{}, testLogger())

	_, err := svc.SubmitReport(context.Background(), "nope", "notes", "")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}

func TestSubmitReportCompletesAndSummarizes(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	sum := &fakeSummarizer{summary: "clinical summary"}
	svc := NewReportService(records, sum, testLogger())

	out, err := svc.SubmitReport(context.Background(), "sess-1", "  patient reports mild fever  ", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, out.Status)
	require.NotNil(t, out.Notes)
	assert.Equal(t, "patient reports mild fever", *out.Notes)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "clinical summary", *out.Summary)

	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, "the patient", sum.lastReq.ParticipantName)
	assert.Equal(t, models.CallKindAudio, sum.lastReq.CallKind)
}

func TestSubmitReportSummarizerFailureKeepsReport(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	svc := NewReportService(records, &fakeSummarizer{err: errors.New("model unavailable")}, testLogger())

	out, err := svc.SubmitReport(context.Background(), "sess-1", "notes", "Jean Doe")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, out.Status)
	require.NotNil(t, out.Notes)
	assert.Nil(t, out.Summary)
}

func TestSubmitReportRetryOnlySummarizes(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	sum := &fakeSummarizer{err: errors.New("model unavailable")}
	svc := NewReportService(records, sum, testLogger())

	_, err := svc.SubmitReport(context.Background(), "sess-1", "notes", "")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.calls)

	// second submit against the completed record retries summarization only
	sum.err = nil
	sum.summary = "late summary"
	out, err := svc.SubmitReport(context.Background(), "sess-1", "different notes", "")
	require.NoError(t, err)

	assert.Equal(t, 2, sum.calls)
	require.NotNil(t, out.Notes)
	assert.Equal(t, "notes", *out.Notes)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "late summary", *out.Summary)

	// with a summary in place the submit is a plain read
	out, err = svc.SubmitReport(context.Background(), "sess-1", "ignored", "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.calls)
	assert.Equal(t, "late summary", *out.Summary)
}

func TestSubmitReportWrongStatus(t *testing.T) {
	records := newMemRepo()
	for _, status := range []models.ConsultationStatus{models.StatusPending, models.StatusCancelled} {
		rec := &models.Consultation{ID: "sess-" + string(status), Status: status, InitiatorID: "doctor-" + string(status)}
		require.NoError(t, records.Create(context.Background(), rec))
	}
	svc := NewReportService(records, &fakeSummarizer{}, testLogger())

	_, err := svc.SubmitReport(context.Background(), "sess-pending", "notes", "")
	assert.True(t, utils.IsCode(err, utils.CodeConflict))

	_, err = svc.SubmitReport(context.Background(), "sess-cancelled", "notes", "")
	assert.True(t, utils.IsCode(err, utils.CodeConflict))
}

func TestResummarize(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	sum := &fakeSummarizer{err: errors.New("model unavailable")}
	svc := NewReportService(records, sum, testLogger())

	_, err := svc.SubmitReport(context.Background(), "sess-1", "notes", "")
	require.NoError(t, err)

	sum.err = nil
	sum.summary = "retried summary"
	out, err := svc.Resummarize(context.Background(), "sess-1", "Jean Doe")
	require.NoError(t, err)

	require.NotNil(t, out.Summary)
	assert.Equal(t, "retried summary", *out.Summary)
	assert.Equal(t, "notes", sum.lastReq.Notes)
	assert.Equal(t, "Jean Doe", sum.lastReq.ParticipantName)
}

func TestResummarizeRequiresCompletedReport(t *testing.T) {
	records := newMemRepo()
	activeConsultation(t, records)
	svc := NewReportService(records, &fakeSummarizer{summary: "s"}, testLogger())

	_, err := svc.Resummarize(context.Background(), "sess-1", "")
	assert.True(t, utils.IsCode(err, utils.CodeConflict))
}
