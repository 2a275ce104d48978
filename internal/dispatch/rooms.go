package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

const maxRoomName = 128

// RoomNearbyCustomers is a broadcast topic for customers browsing the map.
const RoomNearbyCustomers = "nearby_customers"

var ErrInvalidRoom = errors.New("dispatch: invalid room name")

func JobRoom(jobID string) string { return "job_" + jobID }

func JobViewersRoom(jobID string) string { return "job_" + jobID + "_viewers" }

func ProviderRoom(providerID string) string { return "provider_" + providerID }

// ParseJobRoom returns the job id of a job_<id> or job_<id>_viewers room.
func ParseJobRoom(room string) (jobID string, viewers bool, ok bool) {
	if !strings.HasPrefix(room, "job_") {
		return "", false, false
	}
	id := strings.TrimPrefix(room, "job_")
	if strings.HasSuffix(id, "_viewers") {
		id = strings.TrimSuffix(id, "_viewers")
		viewers = true
	}
	return id, viewers, id != ""
}

func ValidateRoom(room string) error {
	if room == "" || len(room) > maxRoomName {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}

// Sender delivers encoded frames to every connection of a user.
type Sender interface {
	SendToUser(userID string, data []byte) bool
}

// RoomBroker tracks room membership by user id and fans messages out
// through the Sender. Rooms exist only while they have members.
type RoomBroker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room -> users
	byUser map[string]map[string]struct{} // user -> rooms
	sender Sender
	log    *slog.Logger
}

func NewRoomBroker(sender Sender, logger *slog.Logger) *RoomBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomBroker{
		rooms:  make(map[string]map[string]struct{}),
		byUser: make(map[string]map[string]struct{}),
		sender: sender,
		log:    logger.With("component", "rooms"),
	}
}

// Subscribe is idempotent.
func (b *RoomBroker) Subscribe(userID, room string) error {
	if err := ValidateRoom(room); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.rooms[room] = members
	}
	members[userID] = struct{}{}
	joined, ok := b.byUser[userID]
	if !ok {
		joined = make(map[string]struct{})
		b.byUser[userID] = joined
	}
	joined[room] = struct{}{}
	return nil
}

func (b *RoomBroker) Unsubscribe(userID, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leave(userID, room)
}

// RemoveUser drops the user from every room. The registry calls it when the
// user's last connection closes.
func (b *RoomBroker) RemoveUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.byUser[userID] {
		b.leave(userID, room)
	}
}

// DropRoom removes room and every membership in it.
func (b *RoomBroker) DropRoom(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID := range b.rooms[room] {
		b.leave(userID, room)
	}
}

// leave requires b.mu held.
func (b *RoomBroker) leave(userID, room string) {
	if members, ok := b.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	if joined, ok := b.byUser[userID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(b.byUser, userID)
		}
	}
}

// Broadcast encodes msg once and sends it to every member of room. It returns
// the number of users that had at least one connection accept the frame.
func (b *RoomBroker) Broadcast(room string, msg Message) (int, error) {
	data, err := msg.Encode()
	if err != nil {
		return 0, fmt.Errorf("dispatch: encode %s: %w", msg.Type, err)
	}
	return b.BroadcastRaw(room, data), nil
}

func (b *RoomBroker) BroadcastRaw(room string, data []byte) int {
	b.mu.RLock()
	members := b.rooms[room]
	targets := make([]string, 0, len(members))
	for id := range members {
		targets = append(targets, id)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		if b.sender.SendToUser(id, data) {
			delivered++
		}
	}
	return delivered
}

// SendTo encodes msg and sends it straight to one user.
func (b *RoomBroker) SendTo(userID string, msg Message) (bool, error) {
	data, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("dispatch: encode %s: %w", msg.Type, err)
	}
	return b.sender.SendToUser(userID, data), nil
}

// Members returns the sorted user ids in room.
func (b *RoomBroker) Members(room string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomsOf returns the sorted rooms a user has joined.
func (b *RoomBroker) RoomsOf(userID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byUser[userID]))
	for room := range b.byUser[userID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (b *RoomBroker) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
