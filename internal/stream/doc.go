// Package stream owns the push-channel connection for the task this client is tracking.
//
// A [Manager] holds at most one WebSocket connection, to one task, at a time:
//
//	Idle → Connecting → Open → (Reconnecting → Connecting) | Idle
//
// Inbound frames are normalized with [progress.ParseFrame]. Lifecycle frames and frames
// addressed to another task are dropped; task frames go to the [EventHandler] given to
// [Manager.Connect].
//
// An unexpected close schedules a reconnect after a fixed delay. At most MaxReconnectAttempts
// reconnects follow each healthy connection, where healthy means it stayed open for at least
// StableAfter.
// Once the budget is spent the manager goes Idle and stays there until the caller connects
// again. [Manager.Disconnect] is the only way to cancel a pending reconnect.
package stream
