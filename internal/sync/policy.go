package sync

import "time"

// Side names the copy that survives a reconciliation.
type Side int

const (
	KeepRemote Side = iota
	KeepLocal
)

func (s Side) String() string {
	if s == KeepLocal {
		return "local"
	}
	return "remote"
}

// Policy decides which copy wins given both modification times. It is the
// only place the conflict rule lives.
type Policy func(localModified, remoteModified time.Time) Side

// LastWriteWins keeps the local copy only when it is strictly newer; ties
// go to the remote.
func LastWriteWins(localModified, remoteModified time.Time) Side {
	if localModified.After(remoteModified) {
		return KeepLocal
	}
	return KeepRemote
}
