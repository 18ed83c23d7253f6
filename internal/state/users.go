// Package state holds the process-wide mutable tables shared by the SIP
// proxy core, the directory pipeline, the probe engine, and the quality
// monitor. Each table owns exactly one mutex; callers copy data out before
// releasing the lock and never retain a pointer to a table slot.
package state

import (
    "sync"
    "time"
)

// User is a registered SIP endpoint or a directory-known phonebook entry.
type User struct {
    UserID             string
    DisplayName        string
    Active             bool
    KnownFromDirectory bool
    ContactURI         string
    ContactIP          string
    ContactPort        int
    ExpiresAt          time.Time
}

// Users is the registered-user table (spec §3, §4.1, §4.2).
type Users struct {
    mu    sync.RWMutex
    table map[string]*User
}

func NewUsers() *Users {
    return &Users{table: make(map[string]*User)}
}

// Upsert applies fn to the user identified by userID, creating it first if
// absent, and returns a copy of the resulting record. fn must not retain a
// reference to u beyond its own call.
func (t *Users) Upsert(userID string, fn func(u *User)) User {
    t.mu.Lock()
    defer t.mu.Unlock()

    u, ok := t.table[userID]
    if !ok {
        u = &User{UserID: userID}
        t.table[userID] = u
    }
    fn(u)
    return *u
}

// Get returns a copy of the user and whether it exists.
func (t *Users) Get(userID string) (User, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    u, ok := t.table[userID]
    if !ok {
        return User{}, false
    }
    return *u, true
}

// GetActive returns a copy of the user only if it is active.
func (t *Users) GetActive(userID string) (User, bool) {
    u, ok := t.Get(userID)
    if !ok || !u.Active {
        return User{}, false
    }
    return u, true
}

// SetActive sets the active flag for an existing user. It is a no-op if the
// user is unknown.
func (t *Users) SetActive(userID string, active bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if u, ok := t.table[userID]; ok {
        u.Active = active
    }
}

// All returns copies of every user, for reconciliation passes and the CLI.
func (t *Users) All() []User {
    t.mu.RLock()
    defer t.mu.RUnlock()
    out := make([]User, 0, len(t.table))
    for _, u := range t.table {
        out = append(out, *u)
    }
    return out
}

// Len reports how many users are known, directory or dynamic.
func (t *Users) Len() int {
    t.mu.RLock()
    defer t.mu.RUnlock()
    return len(t.table)
}

// MarkAbsentFromDirectory deactivates every directory-known user whose
// user_id is not in keep and who is not currently dynamically registered
// (i.e. not active with a live expiry). Used by the reconciler after a
// directory artifact reparse (spec §4.2).
func (t *Users) MarkAbsentFromDirectory(keep map[string]bool, now time.Time) {
    t.mu.Lock()
    defer t.mu.Unlock()
    for id, u := range t.table {
        if !u.KnownFromDirectory {
            continue
        }
        if keep[id] {
            continue
        }
        if u.ExpiresAt.After(now) {
            // still a live dynamic registration; directory absence alone
            // does not override a fresh REGISTER.
            continue
        }
        u.Active = false
    }
}
