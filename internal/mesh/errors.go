package mesh

import "errors"

var (
	ErrMediaAcquisition  = errors.New("media acquisition failed")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrUnexpectedMessage = errors.New("unexpected message for peer state")
	ErrSessionActive     = errors.New("session already active")
	ErrStopped           = errors.New("controller stopped")
	ErrAlreadyRunning    = errors.New("controller already running")
)
