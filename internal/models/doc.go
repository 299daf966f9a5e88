// Package models defines the task-progress domain shared by every deckctl component.
//
// The package contains two categories of types:
//
// 1. Wire types: the shapes the generation backend sends and receives
//   - [ProgressEvent] : one normalized status frame (push channel or REST)
//   - [WireError] : the error block carried by failed frames
//   - [PreviewImage] : one slide preview reference
//
// 2. Client state: what the UI layer reads
//   - [TaskHandle] : the task this client is tracking
//   - [AggregatedState] : the folded view of every accepted event
//   - [ProgressMessage], [PreviewArtifact], [TaskError] : its parts
//
// [TaskStatus] is shared by both.
package models
