package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/curaline/telecare/internal/media"
	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/notify"
	pgrepo "github.com/curaline/telecare/internal/repositories/postgres"
	"github.com/curaline/telecare/internal/rtctoken"
	"github.com/curaline/telecare/internal/utils"
)

// Phase is the lifecycle position of one consultation inside this process.
// It is transient: the persisted truth is the record status.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseLive       Phase = "live"
	PhaseReporting  Phase = "reporting"
)

type ConsultService interface {
	// Start sequences request -> authorize -> persist pending -> join ->
	// active. counterpartID only addresses the incoming-session
	// notification; the record's counterpart is set when they join.
	Start(ctx context.Context, initiatorID, counterpartID string, kind models.CallKind) (*models.Consultation, error)
	Get(ctx context.Context, sessionID string) (*models.Consultation, error)
	// Cancel aborts an in-flight join, or ends a live session (an
	// in-progress conversation is never "cancelled", it moves to
	// reporting).
	Cancel(ctx context.Context, sessionID, callerID string) error
	// End moves a live session to reporting, tearing down all media.
	End(ctx context.Context, sessionID, callerID string) error
	// Handoff returns the read model the counterpart needs for its own
	// join call, and records them on the record (first join wins).
	Handoff(ctx context.Context, sessionID, counterpartID string) (*notify.IncomingSession, error)
	// FinishReporting closes out the reporting phase once the report has
	// been accepted; after it the session is idle in this process.
	FinishReporting(sessionID string)
	SetMuted(sessionID, callerID string, muted bool) error
	SetCameraEnabled(sessionID, callerID string, enabled bool) error
	ConnState(sessionID string) media.ConnState
	Phase(sessionID string) Phase
}

type consultService struct {
	records pgrepo.ConsultationRepository
	issuer  *rtctoken.Issuer
	coords  *media.Registry
	notif   notify.Notifier
	log     *logrus.Logger

	mu     sync.Mutex
	flight map[string]*flight
}

// flight is the in-process lifecycle state between the start request and
// the end of the live phase.
type flight struct {
	phase      Phase
	cancelJoin context.CancelFunc
}

func NewConsultService(records pgrepo.ConsultationRepository, issuer *rtctoken.Issuer, coords *media.Registry, notif notify.Notifier, log *logrus.Logger) ConsultService {
	return &consultService{
		records: records,
		issuer:  issuer,
		coords:  coords,
		notif:   notif,
		log:     log,
		flight:  make(map[string]*flight),
	}
}

func (s *consultService) Start(ctx context.Context, initiatorID, counterpartID string, kind models.CallKind) (*models.Consultation, error) {
	const op = "ConsultService.Start"

	if initiatorID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "initiator id is required", nil)
	}
	if !kind.Valid() {
		return nil, utils.E(utils.CodeInvalidArgument, op, "call_kind must be audio or audio_video", nil)
	}

	// one open consultation per initiator
	if open, err := s.records.FindOpenByInitiator(ctx, initiatorID); err == nil {
		return nil, utils.E(utils.CodeConflict, op,
			fmt.Sprintf("an open consultation already exists (%s)", open.ID), nil)
	} else if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.E(utils.CodeInternal, op, "failed to check open consultations", err)
	}

	channelName := newChannelName()
	cred, err := s.issuer.IssueCredential(channelName)
	if err != nil {
		// authorization failed: no record is ever created
		return nil, err
	}

	rec := &models.Consultation{
		ID:          uuid.NewString(),
		ChannelName: channelName,
		CallKind:    kind,
		Status:      models.StatusPending,
		InitiatorID: initiatorID,
		Credential:  cred.Token,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		if errors.Is(err, utils.ErrDuplicate) {
			// a concurrent start for the same initiator slipped past the
			// FindOpenByInitiator check; the unique index is the backstop
			return nil, utils.E(utils.CodeConflict, op, "an open consultation already exists", err)
		}
		// the issued credential is discarded; it is channel-scoped and the
		// channel is never reused, so it just expires unused
		return nil, utils.E(utils.CodeInternal, op, "failed to create consultation record", err)
	}

	if counterpartID != "" {
		inc := notify.IncomingSession{
			SessionID:   rec.ID,
			InitiatorID: initiatorID,
			CallKind:    kind,
			ChannelName: channelName,
			Credential:  cred.Token,
		}
		if err := s.notif.IncomingSession(ctx, counterpartID, inc); err != nil {
			s.log.WithError(err).WithField("session_id", rec.ID).Warn("incoming-session notification failed")
		}
	}

	joinCtx, cancelJoin := context.WithCancel(ctx)
	defer cancelJoin()
	s.setFlight(rec.ID, &flight{phase: PhaseRequesting, cancelJoin: cancelJoin})

	coord := s.coords.Obtain(rec.ID)
	if err := coord.Join(joinCtx, channelName, cred.Token, newLocalUID(), kind); err != nil {
		s.abortRequesting(rec.ID, counterpartID)
		return nil, err
	}

	if err := s.records.UpdateStatus(ctx, rec.ID, models.StatusPending, models.StatusActive); err != nil {
		s.abortRequesting(rec.ID, counterpartID)
		return nil, utils.E(utils.CodeInternal, op, "failed to activate consultation record", err)
	}

	if kind == models.CallKindAudioVideo {
		if _, video := coord.LocalMedia(); !video {
			md, _ := json.Marshal(map[string]bool{"degraded_to_audio": true})
			if err := s.records.SetMetadata(ctx, rec.ID, datatypes.JSON(md)); err != nil {
				s.log.WithError(err).WithField("session_id", rec.ID).Warn("recording degraded join failed")
			}
		}
	}

	s.setFlight(rec.ID, &flight{phase: PhaseLive})
	out, err := s.records.GetByID(ctx, rec.ID)
	if err != nil {
		return rec, nil
	}
	return out, nil
}

// abortRequesting tears down a join that failed or was cancelled before
// going live: leave unconditionally, drop the coordinator, and mark the
// record cancelled if it never reached active.
func (s *consultService) abortRequesting(sessionID, counterpartID string) {
	s.coords.Release(sessionID)
	s.clearFlight(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.records.UpdateStatus(ctx, sessionID, models.StatusPending, models.StatusCancelled); err != nil && !errors.Is(err, utils.ErrStaleStatus) {
		s.log.WithError(err).WithField("session_id", sessionID).Error("failed to cancel consultation record")
	}
	if counterpartID != "" {
		if err := s.notif.SessionClosed(ctx, counterpartID, sessionID); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("session-closed notification failed")
		}
	}
}

func (s *consultService) Get(ctx context.Context, sessionID string) (*models.Consultation, error) {
	const op = "ConsultService.Get"

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

func (s *consultService) Cancel(ctx context.Context, sessionID, callerID string) error {
	const op = "ConsultService.Cancel"

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := authorizeParticipant(op, rec, callerID); err != nil {
		return err
	}

	s.mu.Lock()
	f := s.flight[sessionID]
	s.mu.Unlock()

	if f != nil {
		switch f.phase {
		case PhaseRequesting:
			// abort the in-flight join; teardown runs in the start path
			// once the attempt settles, never before
			f.cancelJoin()
			return nil
		case PhaseLive:
			return s.finishLive(ctx, rec)
		default:
			return nil
		}
	}

	// no in-process state (e.g. after a restart): leave is idempotent,
	// and a never-activated record is closed out as cancelled
	s.coords.Release(sessionID)
	if rec.Status == models.StatusPending {
		if err := s.records.UpdateStatus(ctx, sessionID, models.StatusPending, models.StatusCancelled); err != nil && !errors.Is(err, utils.ErrStaleStatus) {
			return utils.E(utils.CodeInternal, op, "failed to cancel consultation record", err)
		}
	}
	return nil
}

func (s *consultService) End(ctx context.Context, sessionID, callerID string) error {
	const op = "ConsultService.End"

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := authorizeParticipant(op, rec, callerID); err != nil {
		return err
	}

	s.mu.Lock()
	f := s.flight[sessionID]
	s.mu.Unlock()

	if f == nil || f.phase != PhaseLive {
		if rec.Status == models.StatusActive {
			// already past live in this process (or another instance owns
			// it); make teardown idempotent anyway
			s.coords.Release(sessionID)
			return nil
		}
		return utils.E(utils.CodeConflict, op, "consultation is not live", nil)
	}
	return s.finishLive(ctx, rec)
}

// finishLive is the LIVE -> REPORTING transition: unconditional leave, drop
// the coordinator, notify the counterpart. The record stays active until
// the report lands.
func (s *consultService) finishLive(ctx context.Context, rec *models.Consultation) error {
	s.coords.Release(rec.ID)
	s.setFlight(rec.ID, &flight{phase: PhaseReporting})
	if rec.CounterpartID != nil {
		if err := s.notif.SessionClosed(ctx, *rec.CounterpartID, rec.ID); err != nil {
			s.log.WithError(err).WithField("session_id", rec.ID).Warn("session-closed notification failed")
		}
	}
	return nil
}

func (s *consultService) FinishReporting(sessionID string) {
	s.clearFlight(sessionID)
}

func (s *consultService) Handoff(ctx context.Context, sessionID, counterpartID string) (*notify.IncomingSession, error) {
	const op = "ConsultService.Handoff"

	if counterpartID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "counterpart id is required", nil)
	}
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if counterpartID == rec.InitiatorID {
		return nil, utils.E(utils.CodeInvalidArgument, op, "initiator cannot join as counterpart", nil)
	}
	if !rec.Status.Open() {
		return nil, utils.E(utils.CodeConflict, op, "consultation is no longer joinable", nil)
	}
	if err := s.records.SetCounterpart(ctx, sessionID, counterpartID); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to record counterpart", err)
	}
	return &notify.IncomingSession{
		SessionID:   rec.ID,
		InitiatorID: rec.InitiatorID,
		CallKind:    rec.CallKind,
		ChannelName: rec.ChannelName,
		Credential:  rec.Credential,
	}, nil
}

func (s *consultService) SetMuted(sessionID, callerID string, muted bool) error {
	const op = "ConsultService.SetMuted"
	coord, ok := s.coords.Lookup(sessionID)
	if !ok {
		return utils.E(utils.CodeNotFound, op, "no live media session", nil)
	}
	coord.SetMuted(muted)
	return nil
}

func (s *consultService) SetCameraEnabled(sessionID, callerID string, enabled bool) error {
	const op = "ConsultService.SetCameraEnabled"
	coord, ok := s.coords.Lookup(sessionID)
	if !ok {
		return utils.E(utils.CodeNotFound, op, "no live media session", nil)
	}
	coord.SetCameraEnabled(enabled)
	return nil
}

func (s *consultService) ConnState(sessionID string) media.ConnState {
	if coord, ok := s.coords.Lookup(sessionID); ok {
		return coord.State()
	}
	return media.StateDisconnected
}

func (s *consultService) Phase(sessionID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flight[sessionID]; ok {
		return f.phase
	}
	return PhaseIdle
}

func (s *consultService) setFlight(sessionID string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flight[sessionID] = f
}

func (s *consultService) clearFlight(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flight, sessionID)
}

func authorizeParticipant(op string, rec *models.Consultation, callerID string) error {
	if callerID == "" {
		return nil
	}
	if callerID == rec.InitiatorID {
		return nil
	}
	if rec.CounterpartID != nil && callerID == *rec.CounterpartID {
		return nil
	}
	return utils.E(utils.CodeForbidden, op, "not a participant of this consultation", nil)
}

// newChannelName yields a globally unique channel per attempt; channels are
// never reused.
func newChannelName() string {
	return fmt.Sprintf("consult-%d-%s", time.Now().UTC().Unix(), uuid.NewString()[:8])
}

// newLocalUID picks this end's transient identity on the channel. Must be
// nonzero: zero is the credential's wildcard sentinel.
func newLocalUID() uint32 {
	for {
		if uid := rand.Uint32(); uid != 0 {
			return uid
		}
	}
}
