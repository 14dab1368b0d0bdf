package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/storage"
)

type MemStore struct {
	mx        *sync.Mutex
	rooms     map[string]*model.Room
	users     map[string]*model.User
	usernames map[string]string
	emails    map[string]string
	calls     []*model.CallLog
	summaries map[string]*model.MeetingSummary
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:        &sync.Mutex{},
		rooms:     make(map[string]*model.Room),
		users:     make(map[string]*model.User),
		usernames: make(map[string]string),
		emails:    make(map[string]string),
		summaries: make(map[string]*model.MeetingSummary),
	}
}

func (ms *MemStore) CreateRoom(_ context.Context, room *model.Room) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[room.ID]; ok {
		return storage.ErrRoomExists
	}
	ms.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (ms *MemStore) GetRoom(_ context.Context, roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

// JoinRoom records the participant once. Inactive rooms are reported as not found.
func (ms *MemStore) JoinRoom(_ context.Context, roomID, userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok || !room.Active {
		return nil, storage.ErrRoomNotFound
	}
	if !room.HasParticipant(userID) {
		room.Participants = append(room.Participants, userID)
	}
	return cloneRoom(room), nil
}

func (ms *MemStore) CreateUser(_ context.Context, user *model.User) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.users[user.ID]; ok {
		return storage.ErrUserExists
	}
	if ms.taken(user) {
		return storage.ErrUserExists
	}
	u := *user
	ms.users[u.ID] = &u
	ms.index(&u)
	return nil
}

// UpdateUser replaces username, email and password hash of an existing user.
func (ms *MemStore) UpdateUser(_ context.Context, user *model.User) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	old, ok := ms.users[user.ID]
	if !ok {
		return storage.ErrUserNotFound
	}
	if ms.taken(user) {
		return storage.ErrUserExists
	}
	ms.unindex(old)
	u := *user
	u.CreatedAt = old.CreatedAt
	ms.users[u.ID] = &u
	ms.index(&u)
	return nil
}

func (ms *MemStore) DeleteUser(_ context.Context, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	u, ok := ms.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	ms.unindex(u)
	delete(ms.users, userID)
	return nil
}

// taken reports whether username or email of user belongs to someone else.
func (ms *MemStore) taken(user *model.User) bool {
	if id, ok := ms.usernames[user.Username]; ok && id != user.ID {
		return true
	}
	if user.Email == "" {
		return false
	}
	id, ok := ms.emails[user.Email]
	return ok && id != user.ID
}

func (ms *MemStore) index(u *model.User) {
	ms.usernames[u.Username] = u.ID
	if u.Email != "" {
		ms.emails[u.Email] = u.ID
	}
}

func (ms *MemStore) unindex(u *model.User) {
	delete(ms.usernames, u.Username)
	if u.Email != "" {
		delete(ms.emails, u.Email)
	}
}

func (ms *MemStore) GetUserByName(_ context.Context, username string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	id, ok := ms.usernames[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *ms.users[id]
	return &u, nil
}

func (ms *MemStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	id, ok := ms.emails[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *ms.users[id]
	return &u, nil
}

func (ms *MemStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	user, ok := ms.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (ms *MemStore) CreateCallLog(_ context.Context, log *model.CallLog) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.calls = append(ms.calls, cloneCallLog(log))
	return nil
}

// EndCallLog closes the most recent open call log of the room.
func (ms *MemStore) EndCallLog(_ context.Context, roomID string, end time.Time) (*model.CallLog, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	for i := len(ms.calls) - 1; i >= 0; i-- {
		cl := ms.calls[i]
		if cl.RoomID != roomID || cl.EndTime != nil {
			continue
		}
		cl.EndTime = &end
		cl.Duration = int64(end.Sub(cl.StartTime) / time.Second)
		return cloneCallLog(cl), nil
	}
	return nil, storage.ErrCallLogNotFound
}

// ListCallLogs returns logs where the user is either side of the call,
// newest first. limit <= 0 means no limit.
func (ms *MemStore) ListCallLogs(_ context.Context, userID string, limit int) ([]model.CallLog, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]model.CallLog, 0)
	for _, cl := range ms.calls {
		if cl.CallerID == userID || cl.ReceiverID == userID {
			out = append(out, *cloneCallLog(cl))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemStore) CallStats(ctx context.Context, userID string) (model.CallStats, error) {
	logs, err := ms.ListCallLogs(ctx, userID, 0)
	if err != nil {
		return model.CallStats{}, err
	}
	var stats model.CallStats
	for _, cl := range logs {
		stats.TotalCalls++
		stats.TotalDuration += cl.Duration
	}
	if stats.TotalCalls > 0 {
		stats.AverageDuration = stats.TotalDuration / int64(stats.TotalCalls)
	}
	return stats, nil
}

func (ms *MemStore) CreateSummary(_ context.Context, s *model.MeetingSummary) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.summaries[s.ID] = cloneSummary(s)
	return nil
}

func (ms *MemStore) GetSummary(_ context.Context, id string) (*model.MeetingSummary, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	s, ok := ms.summaries[id]
	if !ok {
		return nil, storage.ErrSummaryNotFound
	}
	return cloneSummary(s), nil
}

func (ms *MemStore) ListSummaries(_ context.Context, userID string, limit int) ([]model.MeetingSummary, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]model.MeetingSummary, 0)
	for _, s := range ms.summaries {
		if s.UserID == userID {
			out = append(out, *cloneSummary(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemStore) DeleteSummary(_ context.Context, id string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.summaries[id]; !ok {
		return storage.ErrSummaryNotFound
	}
	delete(ms.summaries, id)
	return nil
}

func cloneRoom(r *model.Room) *model.Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	return &c
}

func cloneCallLog(cl *model.CallLog) *model.CallLog {
	c := *cl
	if cl.EndTime != nil {
		end := *cl.EndTime
		c.EndTime = &end
	}
	return &c
}

func cloneSummary(s *model.MeetingSummary) *model.MeetingSummary {
	c := *s
	c.KeyPoints = slices.Clone(s.KeyPoints)
	c.ActionItems = slices.Clone(s.ActionItems)
	return &c
}
