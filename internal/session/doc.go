// Package session implements the Connection Lifecycle Controller.
//
// The Controller:
//   - Owns the single connection to the agent server for one client
//   - Opens, reuses or replaces that connection as session identity changes
//   - Maps transport callbacks to Stopped, Opening, Active and Error
//   - Delays teardown on unmount so a quick remount keeps the connection
package session
