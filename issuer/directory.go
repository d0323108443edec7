package issuer

import (
	"context"
	"sort"
	"sync"
)

// UserDirectory resolves user roles and names. Accounts themselves live
// outside the issuer.
type UserDirectory interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	Admins(ctx context.Context) ([]string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// StaticDirectory is a fixed in-memory UserDirectory.
type StaticDirectory struct {
	mu     sync.RWMutex
	admins map[string]struct{}
	names  map[string]string
}

func NewStaticDirectory(adminIDs ...string) *StaticDirectory {
	d := &StaticDirectory{
		admins: make(map[string]struct{}, len(adminIDs)),
		names:  make(map[string]string),
	}
	for _, id := range adminIDs {
		if id != "" {
			d.admins[id] = struct{}{}
		}
	}
	return d
}

func (d *StaticDirectory) SetName(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[userID] = name
}

func (d *StaticDirectory) IsAdmin(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[userID]
	return ok, nil
}

// Admins returns admin ids in sorted order.
func (d *StaticDirectory) Admins(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.admins))
	for id := range d.admins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DisplayName falls back to the user id when no name is known.
func (d *StaticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.names[userID]; ok && name != "" {
		return name, nil
	}
	return userID, nil
}
