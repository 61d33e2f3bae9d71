package hub

import (
	"fmt"

	"github.com/dkeye/meshcall/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens to a subscriber whose send buffer is full.
type Policy interface {
	OnBackpressure(topic domain.TopicName, c *Client) BackpressureAction
}

// KickPolicy disconnects slow subscribers.
type KickPolicy struct{}

func (KickPolicy) OnBackpressure(domain.TopicName, *Client) BackpressureAction {
	return KickClient
}

// DropPolicy keeps slow subscribers and drops the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.TopicName, *Client) BackpressureAction {
	return DropFrame
}

func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return KickPolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}
