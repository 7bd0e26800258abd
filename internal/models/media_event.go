package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Media event kinds journaled by the session coordinator.
const (
	MediaEventStateChanged           = "state_changed"
	MediaEventDegradedToAudio        = "degraded_to_audio"
	MediaEventParticipantPublished   = "participant_published"
	MediaEventParticipantUnpublished = "participant_unpublished"
	MediaEventParticipantLeft        = "participant_left"
)

// MediaEvent is one entry of the per-session media journal.
type MediaEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	UID       uint32             `bson:"uid,omitempty" json:"uid,omitempty"`
	Kind      string             `bson:"kind" json:"kind"`
	Detail    string             `bson:"detail,omitempty" json:"detail,omitempty"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}
