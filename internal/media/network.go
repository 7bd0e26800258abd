// Package media owns the client side of one consultation's real-time
// session: device acquisition, publish/subscribe, remote participant
// tracking, connection-state monitoring, and teardown. One Coordinator
// exists per consultation id; nothing in here is shared across sessions.
package media

import (
	"context"
	"time"
)

// ConnState mirrors the underlying network session state for one join
// attempt. RECONNECTING is reachable only from CONNECTED on transient loss;
// recovery policy belongs to the network layer, the coordinator just
// surfaces it.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is a capture handle owned by exactly one coordinator.
// SetEnabled toggles the already-acquired handle (mute / camera off); it
// never acquires or releases the device.
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Close() error
}

// RemoteTrack is media the network handed back for a counterpart.
// Play begins audio playback; for video it registers the track for the
// rendering layer and is otherwise a no-op.
type RemoteTrack interface {
	Kind() TrackKind
	Play() error
	Stop()
}

// Subscription is an explicit event-registration handle. Join registers
// them; Leave tears every one down before clearing shared state, so a late
// callback can never repopulate a collection after teardown.
type Subscription interface {
	Unsubscribe()
}

// NetworkSession is one joined channel on the media network.
type NetworkSession interface {
	// Publish sends the local tracks into the channel. Called once per join.
	Publish(ctx context.Context, tracks ...LocalTrack) error

	OnParticipantPublished(fn func(uid uint32, track RemoteTrack)) Subscription
	OnParticipantUnpublished(fn func(uid uint32, kind TrackKind)) Subscription
	OnParticipantLeft(fn func(uid uint32)) Subscription
	OnStateChange(fn func(state ConnState)) Subscription

	// Close exits the channel. Errors are reported but teardown must still
	// be treated as complete by the caller.
	Close() error
}

// Dialer establishes a network session on a channel using a credential and
// the caller's transient uid.
type Dialer interface {
	Dial(ctx context.Context, channelName, credential string, uid uint32) (NetworkSession, error)
}

// DeviceSource acquires local capture handles. Audio and video are acquired
// separately so a missing camera can degrade a join instead of failing it.
type DeviceSource interface {
	AcquireAudio(ctx context.Context) (LocalTrack, error)
	AcquireVideo(ctx context.Context) (LocalTrack, error)
}

// Journal receives coordinator lifecycle events, best effort. A nil-safe
// no-op implementation is acceptable.
type Journal interface {
	Record(sessionID string, uid uint32, kind, detail string)
}

// RemoteParticipant is one joined counterpart and whatever media it
// currently publishes. Entries live in the coordinator's insertion-ordered
// collection keyed by uid.
type RemoteParticipant struct {
	UID      uint32
	Audio    RemoteTrack
	Video    RemoteTrack
	JoinedAt time.Time
}
