// Package registry maps authenticated user ids to their live WebSocket
// connection. It is deliberately not safe for concurrent use: all access is
// confined to the hub goroutine, which serializes every mutation through its
// event channel, so no locking is needed here.
package registry

import "time"

// Conn is the minimal surface the registry needs from a live connection.
// *ws.Connection implements it; tests substitute fakes.
type Conn interface {
	UserID() string
	WriteFrame(data []byte) error
	Close() error
}

// entry pairs a connection with its registration time.
type entry struct {
	conn         Conn
	registeredAt time.Time
}

// Registry holds at most one live connection per user id. Registering a
// second connection for the same user supersedes the first.
type Registry struct {
	byUser map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byUser: make(map[string]entry)}
}

// Register stores conn as the current connection for its user. If the user
// already had a connection, that prior connection is returned so the caller
// can close it after the new entry is in place; otherwise nil is returned.
// The superseded socket must not be reported as a user-level disconnect.
func (r *Registry) Register(conn Conn) Conn {
	userID := conn.UserID()
	prev, existed := r.byUser[userID]
	r.byUser[userID] = entry{conn: conn, registeredAt: time.Now()}
	if existed {
		return prev.conn
	}
	return nil
}

// Unregister removes the entry for userID, but only if conn is still the
// current connection. The identity check keeps a superseded socket's close
// callback from evicting the connection that replaced it. It returns true if
// the entry was removed. Idempotent.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	cur, ok := r.byUser[userID]
	if !ok || cur.conn != conn {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.byUser[userID]
	return ok
}

// Send writes a frame to userID's connection. It returns false if the user is
// not connected or the write fails; callers treat both as a silent delivery
// miss, never an error.
func (r *Registry) Send(userID string, frame []byte) bool {
	cur, ok := r.byUser[userID]
	if !ok {
		return false
	}
	return cur.conn.WriteFrame(frame) == nil
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	return len(r.byUser)
}

// Users returns a snapshot of the registered user ids.
func (r *Registry) Users() []string {
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	return users
}
