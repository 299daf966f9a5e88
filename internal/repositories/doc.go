// Package repositories implements SQLite persistence for client-side state.
//
// Key Implementations:
//   - [StateRepository] : key/value rows in client_state (client id, current task, last content)
//   - [TaskRepository] : the local history of tasks this client started
//
// Tables are created by the embedded migrations in package shared.
package repositories
