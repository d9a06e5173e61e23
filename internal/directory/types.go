package directory

import (
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

type RegisterRequest struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

type PlayerInfo struct {
	PlayerID string     `json:"playerId"`
	Name     string     `json:"name"`
	Position zone.Point `json:"position"`
}

// Registration is the reply to POST /players/register.
type Registration struct {
	Player PlayerInfo                `json:"playerInfo"`
	Server protocol.ServerDescriptor `json:"server"`
}

// AssignRequest moves a player to another server. Only the development
// directory accepts it.
type AssignRequest struct {
	ServerID string `json:"serverId"`
}
