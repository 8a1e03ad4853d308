// Package auth is the client-side authentication and session-synchronization
// layer of the companion app.
//
// Store:
//   - Store reconciles the identity provider's session with a locally cached
//     UserProfile and publishes AuthState snapshots to subscribers. Construct
//     one per process in the composition root; nothing here is global.
//   - Every command (sign-in variants, sign-out, refresh, profile updates)
//     returns a Result instead of an error, so UI collaborators never see raw
//     provider codes.
//
// Loader:
//   - Loader resolves a session identifier to a UserProfile: cache first, then
//     a single in-flight fetch per identifier across concurrent callers, the
//     aggregate query with a direct-table fallback, and auto-provisioning of
//     missing records.
//
// Callback resolution:
//   - CallbackResolver runs once per redirect-back page and produces exactly
//     one terminal CallbackOutcome, tearing down its provider subscription on
//     every path.
package auth
