package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// GatewayDialer joins channels on the media gateway: one peer connection
// per session, SDP offer POSTed to the gateway with the channel credential
// as bearer, participant control events received over an "events" data
// channel.
type GatewayDialer struct {
	log     *logrus.Logger
	baseURL *url.URL
	client  *fasthttp.Client
}

func NewGatewayDialer(log *logrus.Logger, gatewayURL string) (*GatewayDialer, error) {
	if gatewayURL == "" {
		return nil, errors.New("gateway URL is required")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	return &GatewayDialer{
		log:     log,
		baseURL: u,
		client:  &fasthttp.Client{},
	}, nil
}

func (d *GatewayDialer) Dial(ctx context.Context, channelName, credential string, uid uint32) (NetworkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	s := &gatewaySession{
		log:        d.log.WithFields(logrus.Fields{"component": "gateway", "channel": channelName, "uid": uid}),
		dialer:     d,
		pc:         pc,
		channel:    channelName,
		credential: credential,
		uid:        uid,
		connected:  make(chan struct{}),
	}

	pc.OnConnectionStateChange(s.handlePCState)
	pc.OnTrack(s.handleTrack)

	dc, err := pc.CreateDataChannel("events", nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating events data channel: %w", err)
	}
	dc.OnMessage(s.handleControlMessage)
	s.dc = dc

	return s, nil
}

// gatewayEvent is a control message from the gateway's events channel.
// Published media arrives as actual tracks (OnTrack), so the channel only
// carries unpublish/leave notifications.
type gatewayEvent struct {
	Type string `json:"type"` // participant_unpublished | participant_left
	UID  uint32 `json:"uid"`
	Kind string `json:"kind,omitempty"` // audio | video
}

type gatewaySession struct {
	log        *logrus.Entry
	dialer     *GatewayDialer
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	channel    string
	credential string
	uid        uint32

	connected     chan struct{}
	connectedOnce sync.Once

	published   handlerSet[func(uid uint32, track RemoteTrack)]
	unpublished handlerSet[func(uid uint32, kind TrackKind)]
	left        handlerSet[func(uid uint32)]
	stateChange handlerSet[func(state ConnState)]
}

func (s *gatewaySession) Publish(ctx context.Context, tracks ...LocalTrack) error {
	started := make([]*deviceTrack, 0, len(tracks))
	for _, t := range tracks {
		dt, ok := t.(*deviceTrack)
		if !ok {
			return fmt.Errorf("unsupported local track type %T", t)
		}
		if _, err := s.pc.AddTrack(dt.out); err != nil {
			return fmt.Errorf("adding %s track: %w", dt.kind, err)
		}
		started = append(started, dt)
	}

	// receive-only slots for the counterpart's media
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	answer, err := s.exchangeSDP(ctx, offer.SDP)
	if err != nil {
		return fmt.Errorf("exchanging SDP with gateway: %w", err)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.connected:
	}

	for _, dt := range started {
		dt.start()
	}
	return nil
}

func (s *gatewaySession) exchangeSDP(ctx context.Context, offer string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	joinURL := s.dialer.baseURL.JoinPath("channels", s.channel, "join")
	q := joinURL.Query()
	q.Set("uid", strconv.FormatUint(uint64(s.uid), 10))
	joinURL.RawQuery = q.Encode()

	req.SetRequestURI(joinURL.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+s.credential)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	errC := make(chan error, 1)
	go func() { errC <- s.dialer.client.Do(req, resp) }()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing gateway request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("gateway rejected join: status %d, body: %s", resp.StatusCode(), resp.Body())
	}
	return string(resp.Body()), nil
}

func (s *gatewaySession) OnParticipantPublished(fn func(uid uint32, track RemoteTrack)) Subscription {
	return s.published.add(fn)
}

func (s *gatewaySession) OnParticipantUnpublished(fn func(uid uint32, kind TrackKind)) Subscription {
	return s.unpublished.add(fn)
}

func (s *gatewaySession) OnParticipantLeft(fn func(uid uint32)) Subscription {
	return s.left.add(fn)
}

func (s *gatewaySession) OnStateChange(fn func(state ConnState)) Subscription {
	return s.stateChange.add(fn)
}

func (s *gatewaySession) Close() error {
	return s.pc.Close()
}

func (s *gatewaySession) handlePCState(state webrtc.PeerConnectionState) {
	s.log.WithField("state", state.String()).Debug("peer connection state changed")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
		s.dispatchState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		// transient per ICE; pion recovers or moves to failed
		s.dispatchState(StateReconnecting)
	case webrtc.PeerConnectionStateFailed:
		s.dispatchState(StateDisconnected)
	}
}

func (s *gatewaySession) dispatchState(state ConnState) {
	for _, fn := range s.stateChange.snapshot() {
		fn(state)
	}
}

// handleTrack receives counterpart media. The gateway encodes the
// publishing participant's uid as the track's stream id.
func (s *gatewaySession) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	uid64, err := strconv.ParseUint(track.StreamID(), 10, 32)
	if err != nil {
		s.log.WithError(err).WithField("stream_id", track.StreamID()).Warn("remote track with unparseable stream id")
		return
	}
	kind := TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	rt := &remoteTrack{
		log:   s.log.WithFields(logrus.Fields{"remote_uid": uid64, "kind": kind}),
		kind:  kind,
		track: track,
		done:  make(chan struct{}),
	}
	for _, fn := range s.published.snapshot() {
		fn(uint32(uid64), rt)
	}
}

func (s *gatewaySession) handleControlMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		s.log.Warn("ignoring binary control message")
		return
	}
	var ev gatewayEvent
	if err := sonic.Unmarshal(msg.Data, &ev); err != nil {
		s.log.WithError(err).Warn("undecodable control message")
		return
	}
	switch ev.Type {
	case "participant_unpublished":
		kind := TrackKind(ev.Kind)
		for _, fn := range s.unpublished.snapshot() {
			fn(ev.UID, kind)
		}
	case "participant_left":
		for _, fn := range s.left.snapshot() {
			fn(ev.UID)
		}
	default:
		s.log.WithField("type", ev.Type).Debug("ignoring control message")
	}
}

// remoteTrack wraps an inbound track. Play drains RTP so feedback keeps
// flowing; decoding and device output belong to the rendering layer.
type remoteTrack struct {
	log      *logrus.Entry
	kind     TrackKind
	track    *webrtc.TrackRemote
	done     chan struct{}
	stopOnce sync.Once
	playOnce sync.Once
}

func (t *remoteTrack) Kind() TrackKind { return t.kind }

func (t *remoteTrack) Play() error {
	t.playOnce.Do(func() { go t.pump() })
	return nil
}

func (t *remoteTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *remoteTrack) pump() {
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if _, _, err := t.track.ReadRTP(); err != nil {
			if err != io.EOF {
				t.log.WithError(err).Debug("reading remote RTP failed")
			}
			return
		}
	}
}

// handlerSet is a removable callback registry; snapshots are taken without
// holding the lock during dispatch so a callback may re-enter the session.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (h *handlerSet[T]) add(fn T) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]T)
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	return &removal{remove: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}}
}

func (h *handlerSet[T]) snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, 0, len(h.fns))
	for _, fn := range h.fns {
		out = append(out, fn)
	}
	return out
}

type removal struct {
	once   sync.Once
	remove func()
}

func (r *removal) Unsubscribe() { r.once.Do(r.remove) }
