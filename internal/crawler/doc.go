// Package crawler defines the job model shared by the dispatcher, the
// execution engine, the brokers and the result backends: the Job descriptor,
// attempt outcomes, retry decisions, the retry policy, and the collaborator
// interfaces those components are wired through.
package crawler
