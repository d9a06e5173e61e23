package directory

import (
	"fmt"
	"sort"
	"sync"

	"zoneclient/internal/protocol"
	"zoneclient/internal/zone"
)

type assignment struct {
	info     PlayerInfo
	serverID string
}

// Index maps zones to servers and players to their assigned server.
type Index struct {
	grid zone.Grid

	mu      sync.RWMutex
	servers []protocol.ServerDescriptor
	players map[string]*assignment
}

func NewIndex(grid zone.Grid) *Index {
	return &Index{
		grid:    grid,
		servers: make([]protocol.ServerDescriptor, 0),
		players: make(map[string]*assignment),
	}
}

// Load replaces the server list. Player assignments are kept.
func (idx *Index) Load(servers []protocol.ServerDescriptor) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.servers = append(idx.servers[:0], servers...)
}

// Servers returns the known servers ordered by zone.
func (idx *Index) Servers() []protocol.ServerDescriptor {
	idx.mu.RLock()
	out := make([]protocol.ServerDescriptor, len(idx.servers))
	copy(out, idx.servers)
	idx.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Zone, out[j].Zone
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

// ServerForZone returns the server owning c, preferring the primary when a
// zone is listed more than once.
func (idx *Index) ServerForZone(c zone.Coord) (protocol.ServerDescriptor, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.serverForZoneLocked(c)
}

func (idx *Index) serverForZoneLocked(c zone.Coord) (protocol.ServerDescriptor, error) {
	var found *protocol.ServerDescriptor
	for i := range idx.servers {
		s := &idx.servers[i]
		if s.Zone != c {
			continue
		}
		if found == nil || (s.IsPrimary && !found.IsPrimary) {
			found = s
		}
	}
	if found == nil {
		return protocol.ServerDescriptor{}, fmt.Errorf("no zone server found for zone %s", c)
	}
	return *found, nil
}

// Lookup returns the server owning the zone that contains p.
func (idx *Index) Lookup(p zone.Point) (protocol.ServerDescriptor, error) {
	return idx.ServerForZone(idx.grid.FromPosition(p))
}

func (idx *Index) serverByIDLocked(id string) (protocol.ServerDescriptor, bool) {
	for _, s := range idx.servers {
		if s.ServerID == id {
			return s, true
		}
	}
	return protocol.ServerDescriptor{}, false
}

// Register records the player at spawn and assigns it the owning server.
// Registering again keeps the existing assignment.
func (idx *Index) Register(playerID, name string, spawn zone.Point) (Registration, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if a, ok := idx.players[playerID]; ok {
		if server, ok := idx.serverByIDLocked(a.serverID); ok {
			if name != "" {
				a.info.Name = name
			}
			return Registration{Player: a.info, Server: server}, nil
		}
	}
	server, err := idx.serverForZoneLocked(idx.grid.FromPosition(spawn))
	if err != nil {
		return Registration{}, err
	}
	info := PlayerInfo{PlayerID: playerID, Name: name, Position: spawn}
	idx.players[playerID] = &assignment{info: info, serverID: server.ServerID}
	return Registration{Player: info, Server: server}, nil
}

// PlayerServer returns the server playerID is assigned to.
func (idx *Index) PlayerServer(playerID string) (protocol.ServerDescriptor, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	a, ok := idx.players[playerID]
	if !ok {
		return protocol.ServerDescriptor{}, ErrNotFound
	}
	server, ok := idx.serverByIDLocked(a.serverID)
	if !ok {
		return protocol.ServerDescriptor{}, ErrNotFound
	}
	return server, nil
}

// Assign moves a known player to serverID.
func (idx *Index) Assign(playerID, serverID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	a, ok := idx.players[playerID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := idx.serverByIDLocked(serverID); !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	a.serverID = serverID
	return nil
}

// Forget removes a player. Later lookups report ErrNotFound.
func (idx *Index) Forget(playerID string) {
	idx.mu.Lock()
	delete(idx.players, playerID)
	idx.mu.Unlock()
}
