// Package registry tracks live signaling connections and the rooms they joined.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/meetroom/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrNotRegistered     = errors.New("connection is not registered")
	ErrAlreadyJoined     = errors.New("connection has already joined a room")
	ErrInvalidRoom       = errors.New("invalid room id")
	ErrInvalidUser       = errors.New("invalid user id")
)

// Notify is called while the room lock is held, right after a membership
// change. For joins it receives the joiner and the members that were
// present before it; for leaves the departed member and those remaining.
// It must not block.
type Notify func(changed model.Member, others []model.Member)

type (
	connection struct {
		id     string
		roomID string
		userID string
		seq    uint64
		alive  bool
	}

	room struct {
		id      string
		mx      *sync.Mutex
		members map[string]*connection
	}

	// RoomInfo is a read-only summary of a room.
	RoomInfo struct {
		ID      string `json:"roomId"`
		Members int    `json:"members"`
	}

	// Registry holds connections and room membership in memory.
	// Rooms are created on first join and stay around when they empty out.
	Registry struct {
		logger zerolog.Logger
		mx     *sync.RWMutex
		conns  map[string]*connection
		rooms  map[string]*room
		seq    uint64
	}
)

func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.RWMutex{},
		conns:  make(map[string]*connection),
		rooms:  make(map[string]*room),
	}
}

// Register creates an entry for a freshly connected transport.
func (r *Registry) Register(connID string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.conns[connID]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[connID] = &connection{id: connID, alive: true}
	r.logger.Trace().Str("connID", connID).Msg("connection registered")
	return nil
}

// JoinRoom puts the connection into the room and returns the members that
// were already there.
func (r *Registry) JoinRoom(connID, roomID, userID string, notify Notify) ([]model.Member, error) {
	if roomID == "" {
		return nil, ErrInvalidRoom
	}
	if userID == "" {
		return nil, ErrInvalidUser
	}

	r.mx.Lock()
	conn, ok := r.conns[connID]
	if !ok || !conn.alive {
		r.mx.Unlock()
		return nil, ErrNotRegistered
	}
	if conn.roomID != "" {
		r.mx.Unlock()
		return nil, ErrAlreadyJoined
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:      roomID,
			mx:      &sync.Mutex{},
			members: make(map[string]*connection),
		}
		r.rooms[roomID] = rm
	}

	// Room lock is taken before the registry lock is released so that
	// membership changes of a room are applied in registry order.
	rm.mx.Lock()
	existing := rm.snapshot()
	r.seq++
	conn.roomID = roomID
	conn.userID = userID
	conn.seq = r.seq
	rm.members[connID] = conn
	r.mx.Unlock()
	defer rm.mx.Unlock()

	joiner := model.Member{ConnID: connID, UserID: userID}
	if notify != nil {
		notify(joiner, existing)
	}
	r.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Str("userID", userID).
		Int("existing", len(existing)).
		Msg("joined room")
	return existing, nil
}

// LeaveRoom removes the connection from its room. It is a no-op returning
// false when the connection is not in a room.
func (r *Registry) LeaveRoom(connID string, notify Notify) (model.Member, bool) {
	return r.leave(connID, false, notify)
}

// Unregister leaves the room and discards the connection entry.
func (r *Registry) Unregister(connID string, notify Notify) (model.Member, bool) {
	return r.leave(connID, true, notify)
}

func (r *Registry) leave(connID string, discard bool, notify Notify) (model.Member, bool) {
	r.mx.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mx.Unlock()
		return model.Member{}, false
	}
	if discard {
		conn.alive = false
		delete(r.conns, connID)
	}
	if conn.roomID == "" {
		r.mx.Unlock()
		return model.Member{}, false
	}
	rm := r.rooms[conn.roomID]
	departed := model.Member{ConnID: connID, UserID: conn.userID}

	rm.mx.Lock()
	delete(rm.members, connID)
	conn.roomID, conn.userID = "", ""
	r.mx.Unlock()
	defer rm.mx.Unlock()

	if notify != nil {
		notify(departed, rm.snapshot())
	}
	r.logger.Debug().
		Str("connID", connID).
		Str("roomID", rm.id).
		Str("userID", departed.UserID).
		Bool("discarded", discard).
		Msg("left room")
	return departed, true
}

// MembersOf returns the current members of a room in join order.
func (r *Registry) MembersOf(roomID string) []model.Member {
	r.mx.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mx.RUnlock()
		return []model.Member{}
	}
	rm.mx.Lock()
	r.mx.RUnlock()
	defer rm.mx.Unlock()
	return rm.snapshot()
}

// MembersByUser returns every connection of userID in the room. The same
// user can be present more than once, e.g. from two browser tabs.
func (r *Registry) MembersByUser(roomID, userID string) []model.Member {
	var out []model.Member
	for _, m := range r.MembersOf(roomID) {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Lookup returns the membership and room of a connection. ok is false
// when the connection is unknown or has not joined a room.
func (r *Registry) Lookup(connID string) (member model.Member, roomID string, ok bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	conn, found := r.conns[connID]
	if !found || conn.roomID == "" {
		return model.Member{}, "", false
	}
	return model.Member{ConnID: connID, UserID: conn.userID}, conn.roomID, true
}

// Rooms lists known rooms, including empty ones.
func (r *Registry) Rooms() []RoomInfo {
	r.mx.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mx.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mx.Lock()
		out = append(out, RoomInfo{ID: rm.id, Members: len(rm.members)})
		rm.mx.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.conns)
}

// snapshot must be called with rm.mx held.
func (rm *room) snapshot() []model.Member {
	conns := make([]*connection, 0, len(rm.members))
	for _, c := range rm.members {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })

	out := make([]model.Member, len(conns))
	for i, c := range conns {
		out[i] = model.Member{ConnID: c.id, UserID: c.userID}
	}
	return out
}
