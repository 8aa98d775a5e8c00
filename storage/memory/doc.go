// Package memory provides in-memory implementations of the storage
// interfaces.
//
// UserStore holds accounts in maps guarded by a mutex. ConsumedCodes tracks
// exchanged authorization codes with per-entry expiry and a background
// cleanup loop. Both are suitable for development, tests and single-instance
// deployments; use storage/sqlite for persistent users and storage/valkey to
// share consumed codes between instances.
//
//	users := memory.NewUserStore()
//	_ = users.AddUser(storage.User{ID: "1", Username: "alice"}, "password")
//
//	codes := memory.NewConsumedCodes()
//	defer codes.Stop()
package memory
