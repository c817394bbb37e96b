package domain

const (
	MinPlayers = 1
	MaxPlayers = 10

	DefaultLatencyTargetMs = 100
	DefaultOpusBitrate     = 32000
)

// RoomRule is an immutable rule set for a room. Replace it wholesale via
// Room.UpdateRules; never mutate fields of a room's current rules.
type RoomRule struct {
	MaxPlayers      int  `json:"maxPlayers"`
	AllowRelay      bool `json:"allowRelay"`
	LatencyTargetMs int  `json:"latencyTargetMs"`
	OpusBitrate     int  `json:"opusBitrate"`
}

// DefaultRoomRule returns the rule set applied when a room is created
// without explicit rules.
func DefaultRoomRule(maxPlayers int) RoomRule {
	return RoomRule{
		MaxPlayers:      maxPlayers,
		AllowRelay:      true,
		LatencyTargetMs: DefaultLatencyTargetMs,
		OpusBitrate:     DefaultOpusBitrate,
	}
}

// Validate checks the rule set against the allowed ranges.
func (r RoomRule) Validate() error {
	if r.MaxPlayers < MinPlayers || r.MaxPlayers > MaxPlayers {
		return ErrRuleViolation
	}
	return nil
}

// IsValidFor reports whether the rules permit the given occupancy.
func (r RoomRule) IsValidFor(playerCount int) bool {
	return playerCount <= r.MaxPlayers && playerCount >= MinPlayers
}
