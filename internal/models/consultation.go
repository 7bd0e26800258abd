package models

import (
	"time"

	"gorm.io/datatypes"
)

// CallKind selects which local media a consultation publishes.
type CallKind string

const (
	CallKindAudio      CallKind = "audio"
	CallKindAudioVideo CallKind = "audio_video"
)

func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindAudioVideo
}

type ConsultationStatus string

const (
	StatusPending   ConsultationStatus = "pending"
	StatusActive    ConsultationStatus = "active"
	StatusCompleted ConsultationStatus = "completed"
	StatusCancelled ConsultationStatus = "cancelled"
)

// CanTransitionTo reports whether next is a legal successor status.
// Legal orders: pending -> active -> completed, or pending -> cancelled.
func (s ConsultationStatus) CanTransitionTo(next ConsultationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusCompleted
	default:
		return false
	}
}

// Open reports whether the consultation still blocks the initiator from
// starting another one.
func (s ConsultationStatus) Open() bool {
	return s == StatusPending || s == StatusActive
}

// Consultation is the persisted record of one consultation attempt.
// ChannelName, CallKind and Credential are written once at creation and
// never updated; status moves only along the legal transition order.
type Consultation struct {
	ID          string             `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ChannelName string             `gorm:"column:channel_name;type:text;uniqueIndex" json:"channel_name"`
	CallKind    CallKind           `gorm:"column:call_kind;type:text" json:"call_kind"`
	Status      ConsultationStatus `gorm:"column:status;type:text;index" json:"status"`

	// the partial unique index enforces the one-open-consultation
	// invariant at the database, closing the check-then-create race
	InitiatorID   string  `gorm:"column:initiator_id;type:uuid;index;uniqueIndex:uniq_open_initiator,where:status IN ('pending','active')" json:"initiator_id"`
	CounterpartID *string `gorm:"column:counterpart_id;type:uuid" json:"counterpart_id,omitempty"`

	Credential string  `gorm:"column:credential;type:text" json:"credential"`
	Notes      *string `gorm:"column:notes;type:text" json:"notes,omitempty"`
	Summary    *string `gorm:"column:summary;type:text" json:"summary,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Consultation) TableName() string { return "consultations" }
