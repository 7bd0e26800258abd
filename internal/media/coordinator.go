package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/utils"
)

// DefaultJoinTimeout bounds one join attempt end to end; expiry is treated
// as a join failure.
const DefaultJoinTimeout = 30 * time.Second

// Coordinator manages exactly one join attempt's worth of real-time media
// state. The single mutex serializes Join, Leave, the toggles, and every
// event callback, so a second Join can never race device acquisition and a
// callback can never fire into a half-torn-down session.
type Coordinator struct {
	sessionID string
	dialer    Dialer
	devices   DeviceSource
	journal   Journal
	log       *logrus.Entry

	joinTimeout time.Duration

	mu         sync.Mutex
	state      ConnState
	sess       NetworkSession
	localAudio LocalTrack
	localVideo LocalTrack
	subs       []Subscription
	remotes    map[uint32]*RemoteParticipant
	order      []uint32
}

func NewCoordinator(sessionID string, dialer Dialer, devices DeviceSource, journal Journal, log *logrus.Logger, joinTimeout time.Duration) *Coordinator {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Coordinator{
		sessionID:   sessionID,
		dialer:      dialer,
		devices:     devices,
		journal:     journal,
		log:         log.WithFields(logrus.Fields{"component": "media", "session_id": sessionID}),
		joinTimeout: joinTimeout,
		state:       StateDisconnected,
		remotes:     make(map[uint32]*RemoteParticipant),
	}
}

func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remotes returns the joined counterparts in insertion order.
func (c *Coordinator) Remotes() []RemoteParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RemoteParticipant, 0, len(c.order))
	for _, uid := range c.order {
		if p, ok := c.remotes[uid]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// LocalMedia reports which capture handles are currently held.
func (c *Coordinator) LocalMedia() (audio, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localAudio != nil, c.localVideo != nil
}

// Join establishes the network session, acquires local capture, and
// publishes. Re-entry while CONNECTED is a no-op; a transitional state is
// forced through a leave first. Audio acquisition failure fails the join;
// video acquisition failure degrades the join to audio-only. On any
// failure, everything partially acquired is released before returning, and
// the state is back to DISCONNECTED.
func (c *Coordinator) Join(ctx context.Context, channelName, credential string, uid uint32, kind models.CallKind) error {
	const op = "Coordinator.Join"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}
	if c.state != StateDisconnected {
		c.leaveLocked()
	}

	c.setStateLocked(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	fail := func(code utils.Code, msg string, err error) error {
		c.setStateLocked(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return utils.E(utils.CodeTimeout, op, "join attempt timed out", err)
		}
		return utils.E(code, op, msg, err)
	}

	sess, err := c.dialer.Dial(ctx, channelName, credential, uid)
	if err != nil {
		return fail(utils.CodeUnavailable, "failed to join media network", err)
	}

	audio, err := c.devices.AcquireAudio(ctx)
	if err != nil {
		c.closeSession(sess)
		return fail(utils.CodeUnavailable, "microphone unavailable", err)
	}

	var video LocalTrack
	if kind == models.CallKindAudioVideo {
		video, err = c.devices.AcquireVideo(ctx)
		if err != nil {
			// camera unavailability never blocks an audio consultation
			c.log.WithError(err).Warn("camera unavailable, continuing audio-only")
			c.record(models.MediaEventDegradedToAudio, 0, err.Error())
			video = nil
		}
	}

	tracks := []LocalTrack{audio}
	if video != nil {
		tracks = append(tracks, video)
	}
	if err := sess.Publish(ctx, tracks...); err != nil {
		c.releaseTrack(&audio)
		c.releaseTrack(&video)
		c.closeSession(sess)
		return fail(utils.CodeUnavailable, "failed to publish local media", err)
	}

	c.sess = sess
	c.localAudio = audio
	c.localVideo = video
	c.subs = []Subscription{
		sess.OnParticipantPublished(c.onPublished),
		sess.OnParticipantUnpublished(c.onUnpublished),
		sess.OnParticipantLeft(c.onLeft),
		sess.OnStateChange(c.onNetworkState),
	}
	c.setStateLocked(StateConnected)
	return nil
}

// Leave is idempotent and callable from any state. Teardown errors are
// logged and never propagated; no device handle or network session may
// outlive the consultation that created it.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked()
}

func (c *Coordinator) leaveLocked() {
	if c.state == StateDisconnected && c.sess == nil {
		return
	}
	c.setStateLocked(StateDisconnecting)

	// deregister before clearing remotes so a late callback cannot re-add
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil

	c.releaseTrack(&c.localAudio)
	c.releaseTrack(&c.localVideo)

	for _, p := range c.remotes {
		if p.Audio != nil {
			p.Audio.Stop()
		}
		if p.Video != nil {
			p.Video.Stop()
		}
	}
	c.remotes = make(map[uint32]*RemoteParticipant)
	c.order = nil

	if c.sess != nil {
		c.closeSession(c.sess)
		c.sess = nil
	}
	c.setStateLocked(StateDisconnected)
}

// SetMuted toggles the already-acquired microphone; no-op when audio was
// never acquired.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localAudio == nil {
		return
	}
	c.localAudio.SetEnabled(!muted)
}

// SetCameraEnabled toggles the already-acquired camera; no-op when the
// camera failed to acquire or the call is audio-only.
func (c *Coordinator) SetCameraEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localVideo == nil {
		return
	}
	c.localVideo.SetEnabled(enabled)
}

func (c *Coordinator) onPublished(uid uint32, track RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		// late callback after teardown
		return
	}

	p, ok := c.remotes[uid]
	if !ok {
		p = &RemoteParticipant{UID: uid, JoinedAt: time.Now().UTC()}
		c.remotes[uid] = p
		c.order = append(c.order, uid)
	}
	switch track.Kind() {
	case TrackAudio:
		p.Audio = track
		if err := track.Play(); err != nil {
			c.log.WithError(err).WithField("uid", uid).Warn("remote audio playback failed")
		}
	case TrackVideo:
		p.Video = track
		// registered for the rendering layer; nothing to start here
	}
	c.record(models.MediaEventParticipantPublished, uid, string(track.Kind()))
}

func (c *Coordinator) onUnpublished(uid uint32, kind TrackKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	p, ok := c.remotes[uid]
	if !ok {
		return
	}
	switch kind {
	case TrackAudio:
		if p.Audio != nil {
			p.Audio.Stop()
			p.Audio = nil
		}
	case TrackVideo:
		if p.Video != nil {
			p.Video.Stop()
			p.Video = nil
		}
	}
	if p.Audio == nil && p.Video == nil {
		c.removeRemoteLocked(uid)
	}
	c.record(models.MediaEventParticipantUnpublished, uid, string(kind))
}

func (c *Coordinator) onLeft(uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	if p, ok := c.remotes[uid]; ok {
		if p.Audio != nil {
			p.Audio.Stop()
		}
		if p.Video != nil {
			p.Video.Stop()
		}
		c.removeRemoteLocked(uid)
	}
	c.record(models.MediaEventParticipantLeft, uid, "")
}

func (c *Coordinator) onNetworkState(state ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return
	}
	// the network layer drives CONNECTED <-> RECONNECTING on transient
	// loss, and DISCONNECTED when it gives up; CONNECTING/DISCONNECTING
	// are owned by Join/Leave
	switch state {
	case StateReconnecting:
		if c.state == StateConnected {
			c.setStateLocked(StateReconnecting)
		}
	case StateConnected:
		if c.state == StateReconnecting {
			c.setStateLocked(StateConnected)
		}
	case StateDisconnected:
		// give-up: the session is dead, so release everything it held
		if c.state == StateConnected || c.state == StateReconnecting {
			c.leaveLocked()
		}
	}
}

func (c *Coordinator) removeRemoteLocked(uid uint32) {
	delete(c.remotes, uid)
	for i, u := range c.order {
		if u == uid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Coordinator) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.log.WithFields(logrus.Fields{"prev": c.state.String(), "new": s.String()}).Debug("connection state changed")
	c.state = s
	c.record(models.MediaEventStateChanged, 0, s.String())
}

func (c *Coordinator) releaseTrack(t *LocalTrack) {
	if t == nil || *t == nil {
		return
	}
	if err := (*t).Close(); err != nil {
		c.log.WithError(err).WithField("kind", (*t).Kind()).Warn("releasing local track failed")
	}
	*t = nil
}

func (c *Coordinator) closeSession(sess NetworkSession) {
	if err := sess.Close(); err != nil {
		c.log.WithError(err).Warn("closing network session failed")
	}
}

func (c *Coordinator) record(kind string, uid uint32, detail string) {
	if c.journal == nil {
		return
	}
	c.journal.Record(c.sessionID, uid, kind, detail)
}
