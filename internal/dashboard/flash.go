package dashboard

import (
	"sync"
	"time"
)

// Flash holds a transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	expires time.Time
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = time.Now().Add(d)
}

// Clear drops the current message.
func (f *Flash) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = ""
}

// Get returns the current message, or empty if expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return ""
	}
	return f.message
}
