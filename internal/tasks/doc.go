// Package tasks orchestrates one generation task from creation to download.
//
// # Core Operations
//
// [Controller] is the composition root. It owns a [progress.Aggregator] and drives:
//
//  1. [Controller.CreateTask] : validate, POST the job, persist the handle, attach the stream
//  2. [Controller.CancelTask] : best-effort DELETE, then detach and mark cancelled regardless
//  3. [Controller.ResumeIfPending] : on cold start, fetch the persisted task once and
//     re-attach only if it is still running
//  4. [Controller.RetryTask] : reset and create again with caller-held inputs
//  5. [Controller.RetryOnServer] : rerun the same task id on the backend
//  6. [Controller.Poll] : rate-limited REST fallback when the push channel is exhausted
//  7. [Controller.Download] : stream the finished file
//
// # Progress Reporting
//
// Every accepted event produces a snapshot on [Controller.Updates]. Sends never block; slow
// readers see the latest state via [Controller.Snapshot].
//
// When an event makes the task terminal the controller detaches the stream and records the
// final status in the local history.
//
// # Dependencies
//
// The controller depends only on small interfaces:
//   - [Backend] : services.GenerationClient
//   - [IdentityStore] : identity.Store
//   - [Stream] : stream.Manager
//   - [History] : repositories.TaskRepository (optional)
package tasks
