package protocol

import (
	"net"
	"strconv"
	"time"

	"zoneclient/internal/zone"
)

// Remote methods every zone server exposes.
const (
	MethodJoin               = "Zone.Join"
	MethodLeave              = "Zone.Leave"
	MethodUpdateInput        = "Zone.UpdateInput"
	MethodGetWorldState      = "Zone.GetWorldState"
	MethodGetLocalWorldState = "Zone.GetLocalWorldState"
	MethodGetAvailableZones  = "Zone.GetAvailableZones"
)

// CodeManifestNotReady is the remote error code a zone server returns while
// it has not yet published its registration. Clients retry on it.
const CodeManifestNotReady = -32004

// ServerDescriptor is an immutable snapshot of one action server as reported
// by the directory.
type ServerDescriptor struct {
	ServerID  string     `json:"serverId" yaml:"server_id"`
	Host      string     `json:"ip" yaml:"ip"`
	Port      int        `json:"port" yaml:"port"`
	Zone      zone.Coord `json:"zone" yaml:"zone"`
	IsPrimary bool       `json:"isPrimary,omitempty" yaml:"is_primary"`
}

// Addr returns host:port.
func (d ServerDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type EntityState struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Position   zone.Point         `json:"position"`
	Velocity   zone.Point         `json:"velocity"`
	Health     float64            `json:"health"`
	MaxHealth  float64            `json:"maxHealth"`
	Team       string             `json:"team,omitempty"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
}

// WorldState is one snapshot produced by a zone server. SequenceNumber is
// monotonic per connection only.
type WorldState struct {
	Entities       []EntityState `json:"entities"`
	Timestamp      time.Time     `json:"timestamp"`
	SequenceNumber int64         `json:"sequenceNumber"`
}

// Entity finds an entity by id.
func (w WorldState) Entity(id string) (EntityState, bool) {
	for _, ent := range w.Entities {
		if ent.ID == id {
			return ent, true
		}
	}
	return EntityState{}, false
}

// Clone returns a copy whose entity slice can be extended without touching w.
func (w WorldState) Clone() WorldState {
	out := w
	out.Entities = append([]EntityState(nil), w.Entities...)
	return out
}

// ActionFlags is a bitmask of held actions.
type ActionFlags uint32

const (
	ActionFire ActionFlags = 1 << iota
	ActionUse
	ActionSprint
	ActionJump
)

func (f ActionFlags) Has(flag ActionFlags) bool {
	return f&flag != 0
}

// Input is the movement/action intent last sent by the player.
type Input struct {
	MoveDir zone.Point  `json:"moveDir"`
	Actions ActionFlags `json:"actions"`
}

// Empty is the argument of parameterless calls.
type Empty struct{}

type JoinArgs struct {
	PlayerID string `json:"playerId"`
}

type JoinReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type LeaveArgs struct {
	PlayerID string `json:"playerId"`
}

type InputArgs struct {
	PlayerID string      `json:"playerId"`
	MoveDir  zone.Point  `json:"moveDir"`
	Actions  ActionFlags `json:"actions"`
}

type ZonesReply struct {
	Zones []zone.Coord `json:"zones"`
}
