// Package manager is the command surface of the daemon. It ties the model
// registry, the acquisition service, the active session and the inference
// engine together and is shared by the HTTP API and the CLI. It is
// structured into small files by concern:
//
//   - manager.go: Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - models.go: ListModels, Acquire and Delete.
//   - inference.go: Chat, Tokenize and Detokenize.
//   - options.go: decoding of free-form chat options.
//   - status_report.go: Status and readiness.
//   - sanity.go: external dependency checks.
//   - metrics.go: prometheus collectors.
//
// Blocking model work (loading, tokenizing, decoding) runs on a worker.Pool.
// The active model is held by a session.State; every operation that uses
// it takes a reference for its whole duration so a concurrent switch or
// delete never closes a model that is still in use.
package manager
