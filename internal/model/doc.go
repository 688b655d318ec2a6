// Package model holds the data types shared by the check-in engine, its
// stores, the HTTP surface and the offline client.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal.
//
// Key constraints:
//   - All JSON tags use snake_case and match the wire contract
//   - Timestamps are UTC; the server clock is the only authority for sync watermarks
//   - Attendee rows are only mutated through checkin.Decide under a per-ticket lock
package model
