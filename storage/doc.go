// Package storage defines the persistence interfaces of the authorization
// server.
//
//   - UserStore: user lookup and password verification
//   - ConsumedCodeStore: the optional set of already exchanged codes
//
// Implementations live in subpackages:
//   - storage/memory: in-process maps, for development, tests and single instances
//   - storage/sqlite: users in a SQLite database
//   - storage/valkey: consumed codes shared across instances via Valkey/Redis
package storage
