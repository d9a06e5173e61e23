package session

import (
	"zoneclient/internal/pool"
	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	WorldStateUpdated EventKind = iota + 1
	ServerChanged
	AvailableZonesUpdated
	PreEstablishedConnectionsChanged
)

func (k EventKind) String() string {
	switch k {
	case WorldStateUpdated:
		return "world-state-updated"
	case ServerChanged:
		return "server-changed"
	case AvailableZonesUpdated:
		return "available-zones-updated"
	case PreEstablishedConnectionsChanged:
		return "pre-established-connections-changed"
	default:
		return "unknown"
	}
}

// Event is delivered to the presentation layer. Only the field matching
// Kind is set.
type Event struct {
	Kind        EventKind
	State       protocol.WorldState
	Server      protocol.ServerDescriptor
	Zones       []zone.Coord
	Connections map[string]pool.EntryStatus
}
