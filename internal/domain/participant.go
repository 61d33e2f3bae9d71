// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxParticipantIDLen = 64

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

// ParticipantID identifies one running participant on a signaling topic.
// It is the "from" address of every message the participant publishes.
type ParticipantID string

// NewParticipantID returns a fresh identity for this process.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) Validate() error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

func (id ParticipantID) String() string { return string(id) }
