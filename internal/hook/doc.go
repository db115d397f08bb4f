// Package hook provides the shared data entities of the ordering server.
//
// This package contains value types only. Every other internal package
// imports hook; hook imports nothing internal.
//
// Key design constraints:
//   - Invocation is a comparable value type and is used directly as a map key
//   - Hook names are NFC-normalized on construction so that clients written in
//     different languages agree on identity
//   - Events are ordered by a logical clock (Seq), never by wall-clock time
//   - All JSON tags use snake_case
package hook
