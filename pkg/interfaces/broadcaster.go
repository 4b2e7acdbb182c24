package interfaces

// Broadcaster tracks room membership and fans events out to room members.
// Delivery is best-effort: a member whose queue is full misses the event.
type Broadcaster interface {
	// Join adds conn to room and returns the room size afterwards. Joining
	// twice is a no-op.
	Join(conn Connection, room string) int

	// Leave removes conn from room and returns the room size afterwards.
	Leave(conn Connection, room string) int

	// InRoom reports whether conn is currently a member of room.
	InRoom(conn Connection, room string) bool

	// Publish delivers the event to every member and returns how many
	// members it was queued for.
	Publish(room, event string, payload interface{}) int

	// PublishWhere delivers only to members for which keep returns true.
	PublishWhere(room, event string, payload interface{}, keep func(Connection) bool) int

	// RoomSize returns the number of live members of room.
	RoomSize(room string) int
}
