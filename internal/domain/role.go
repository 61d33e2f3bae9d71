package domain

// Role is the negotiation state of one remote peer.
type Role int

const (
	RoleIdle Role = iota
	RoleOffering
	RoleAnswering
	RoleStable
)

func (r Role) String() string {
	switch r {
	case RoleIdle:
		return "idle"
	case RoleOffering:
		return "offering"
	case RoleAnswering:
		return "answering"
	case RoleStable:
		return "stable"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
