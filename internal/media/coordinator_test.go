package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaline/telecare/internal/models"
	"github.com/curaline/telecare/internal/utils"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeLocalTrack struct {
	kind    TrackKind
	enabled bool
	closed  bool
}

func (t *fakeLocalTrack) Kind() TrackKind         { return t.kind }
func (t *fakeLocalTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeLocalTrack) Close() error            { t.closed = true; return nil }

type fakeRemoteTrack struct {
	kind    TrackKind
	played  bool
	stopped bool
}

func (t *fakeRemoteTrack) Kind() TrackKind { return t.kind }
func (t *fakeRemoteTrack) Play() error     { t.played = true; return nil }
func (t *fakeRemoteTrack) Stop()           { t.stopped = true }

type fakeSub struct {
	onUnsub func()
}

func (s *fakeSub) Unsubscribe() {
	if s.onUnsub != nil {
		s.onUnsub()
	}
}

type fakeSession struct {
	mu          sync.Mutex
	published   []LocalTrack
	publishErr  error
	closed      bool
	unsubs      int
	onPublished func(uid uint32, track RemoteTrack)
	onUnpub     func(uid uint32, kind TrackKind)
	onLeft      func(uid uint32)
	onState     func(state ConnState)
}

func (s *fakeSession) Publish(ctx context.Context, tracks ...LocalTrack) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, tracks...)
	return nil
}

func (s *fakeSession) sub(clear func()) Subscription {
	return &fakeSub{onUnsub: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubs++
		clear()
	}}
}

func (s *fakeSession) OnParticipantPublished(fn func(uid uint32, track RemoteTrack)) Subscription {
	s.onPublished = fn
	return s.sub(func() { s.onPublished = nil })
}

func (s *fakeSession) OnParticipantUnpublished(fn func(uid uint32, kind TrackKind)) Subscription {
	s.onUnpub = fn
	return s.sub(func() { s.onUnpub = nil })
}

func (s *fakeSession) OnParticipantLeft(fn func(uid uint32)) Subscription {
	s.onLeft = fn
	return s.sub(func() { s.onLeft = nil })
}

func (s *fakeSession) OnStateChange(fn func(state ConnState)) Subscription {
	s.onState = fn
	return s.sub(func() { s.onState = nil })
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	sess       *fakeSession
	err        error
	dials      int
	blockOnCtx bool
}

func (d *fakeDialer) Dial(ctx context.Context, channelName, credential string, uid uint32) (NetworkSession, error) {
	d.dials++
	if d.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

type fakeDevices struct {
	audioErr    error
	videoErr    error
	audioCalls  int
	videoCalls  int
	audioTracks []*fakeLocalTrack
	videoTracks []*fakeLocalTrack
}

func (d *fakeDevices) AcquireAudio(ctx context.Context) (LocalTrack, error) {
	d.audioCalls++
	if d.audioErr != nil {
		return nil, d.audioErr
	}
	t := &fakeLocalTrack{kind: TrackAudio, enabled: true}
	d.audioTracks = append(d.audioTracks, t)
	return t, nil
}

func (d *fakeDevices) AcquireVideo(ctx context.Context) (LocalTrack, error) {
	d.videoCalls++
	if d.videoErr != nil {
		return nil, d.videoErr
	}
	t := &fakeLocalTrack{kind: TrackVideo, enabled: true}
	d.videoTracks = append(d.videoTracks, t)
	return t, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *fakeJournal) Record(sessionID string, uid uint32, kind, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, kind)
}

func (j *fakeJournal) has(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e == kind {
			return true
		}
	}
	return false
}

func newTestCoordinator(dialer Dialer, devices DeviceSource, journal Journal) *Coordinator {
	return NewCoordinator("sess-1", dialer, devices, journal, testLogger(), time.Second)
}

func TestJoinSuccessAudioVideo(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo)
	require.NoError(t, err)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, devices.audioCalls)
	assert.Equal(t, 1, devices.videoCalls)
	assert.Len(t, sess.published, 2)

	audio, video := c.LocalMedia()
	assert.True(t, audio)
	assert.True(t, video)
}

func TestJoinAudioOnlySkipsCamera(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)

	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio))

	assert.Equal(t, 0, devices.videoCalls)
	assert.Len(t, sess.published, 1)
}

func TestJoinWhileConnectedIsNoop(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	dialer := &fakeDialer{sess: sess}
	c := newTestCoordinator(dialer, devices, nil)

	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))

	assert.Equal(t, 1, dialer.dials)
	assert.Equal(t, 1, devices.audioCalls)
	assert.Equal(t, 1, devices.videoCalls)
}

func TestJoinDegradesToAudioOnCameraFailure(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{videoErr: errors.New("no camera")}
	journal := &fakeJournal{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, journal)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo)
	require.NoError(t, err)

	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, sess.published, 1)
	audio, video := c.LocalMedia()
	assert.True(t, audio)
	assert.False(t, video)
	assert.True(t, journal.has(models.MediaEventDegradedToAudio))
}

func TestJoinFailsOnMicrophoneFailure(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{audioErr: errors.New("no mic")}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, sess.closed)
	audio, video := c.LocalMedia()
	assert.False(t, audio)
	assert.False(t, video)
}

func TestJoinFailsOnDialFailure(t *testing.T) {
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{err: errors.New("gateway down")}, devices, nil)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, devices.audioCalls)
}

func TestJoinRollsBackOnPublishFailure(t *testing.T) {
	sess := &fakeSession{publishErr: errors.New("publish rejected")}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, sess.closed)
	require.Len(t, devices.audioTracks, 1)
	require.Len(t, devices.videoTracks, 1)
	assert.True(t, devices.audioTracks[0].closed)
	assert.True(t, devices.videoTracks[0].closed)
}

func TestJoinTimeout(t *testing.T) {
	c := NewCoordinator("sess-1", &fakeDialer{blockOnCtx: true}, &fakeDevices{}, nil, testLogger(), 50*time.Millisecond)

	err := c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeTimeout))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestLeaveOnFreshCoordinatorIsNoop(t *testing.T) {
	c := newTestCoordinator(&fakeDialer{sess: &fakeSession{}}, &fakeDevices{}, nil)
	c.Leave()
	c.Leave()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestLeaveReleasesEverything(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))

	remote := &fakeRemoteTrack{kind: TrackAudio}
	sess.onPublished(42, remote)
	require.Len(t, c.Remotes(), 1)
	assert.True(t, remote.played)

	c.Leave()

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, sess.closed)
	assert.Equal(t, 4, sess.unsubs)
	assert.True(t, remote.stopped)
	assert.Empty(t, c.Remotes())
	assert.True(t, devices.audioTracks[0].closed)
	assert.True(t, devices.videoTracks[0].closed)

	// second leave stays a no-op
	c.Leave()
}

func TestLateCallbackAfterLeaveIsIgnored(t *testing.T) {
	sess := &fakeSession{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, &fakeDevices{}, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio))

	onPublished := sess.onPublished
	c.Leave()

	// a callback that raced teardown and was captured before Unsubscribe
	onPublished(42, &fakeRemoteTrack{kind: TrackAudio})
	assert.Empty(t, c.Remotes())
}

func TestRemoteUnpublishAndLeave(t *testing.T) {
	sess := &fakeSession{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, &fakeDevices{}, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))

	audio := &fakeRemoteTrack{kind: TrackAudio}
	video := &fakeRemoteTrack{kind: TrackVideo}
	sess.onPublished(42, audio)
	sess.onPublished(42, video)
	require.Len(t, c.Remotes(), 1)

	sess.onUnpub(42, TrackVideo)
	assert.True(t, video.stopped)
	require.Len(t, c.Remotes(), 1)

	// dropping the last track removes the participant
	sess.onUnpub(42, TrackAudio)
	assert.True(t, audio.stopped)
	assert.Empty(t, c.Remotes())

	sess.onPublished(43, &fakeRemoteTrack{kind: TrackAudio})
	sess.onLeft(43)
	assert.Empty(t, c.Remotes())
}

func TestNetworkStateTransitions(t *testing.T) {
	sess := &fakeSession{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, &fakeDevices{}, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio))

	sess.onState(StateReconnecting)
	assert.Equal(t, StateReconnecting, c.State())

	sess.onState(StateConnected)
	assert.Equal(t, StateConnected, c.State())
}

func TestNetworkGiveUpReleasesEverything(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))

	sess.onState(StateReconnecting)
	require.Equal(t, StateReconnecting, c.State())

	// the network gave up on recovery: nothing it held may survive
	sess.onState(StateDisconnected)
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, sess.closed)
	assert.Equal(t, 4, sess.unsubs)
	assert.True(t, devices.audioTracks[0].closed)
	assert.True(t, devices.videoTracks[0].closed)
	assert.Empty(t, c.Remotes())
}

func TestNetworkGiveUpFromConnected(t *testing.T) {
	sess := &fakeSession{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, &fakeDevices{}, nil)
	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudio))

	sess.onState(StateDisconnected)
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, sess.closed)
}

func TestToggles(t *testing.T) {
	sess := &fakeSession{}
	devices := &fakeDevices{}
	c := newTestCoordinator(&fakeDialer{sess: sess}, devices, nil)

	// no-op before any join
	c.SetMuted(true)
	c.SetCameraEnabled(false)

	require.NoError(t, c.Join(context.Background(), "ch", "cred", 7, models.CallKindAudioVideo))

	c.SetMuted(true)
	assert.False(t, devices.audioTracks[0].enabled)
	c.SetMuted(false)
	assert.True(t, devices.audioTracks[0].enabled)

	c.SetCameraEnabled(false)
	assert.False(t, devices.videoTracks[0].enabled)
}
