// Package services talks to the generation backend over REST.
//
// [APIService] is a thin HTTP client that returns raw responses. [GenerationClient] sits on top
// and speaks the backend's contract:
//
//   - every JSON response is wrapped as {code, message, data}
//   - errors come back as {detail} (framework errors) or as the envelope with a non-2xx status
//
// # Error Handling
//
// Client methods return sentinel errors from package shared:
//   - [shared.ErrTaskNotFound] : 404 on a task route
//   - [shared.ErrAPIRequest] : any other non-2xx status, transport failure or undecodable body
//   - [shared.ErrTaskNotComplete] : 400 from the download route
package services
