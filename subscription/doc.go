// Package subscription binds compiled subscription definitions to consumers
// and decides which change records each consumer receives.
//
// A Definition carries a predicate tree that is interpreted, never executed
// as code. Binding resolves runtime variables and the subscriber's auth
// claims into constants once, at subscribe time, so matching a record is a
// pure walk over the bound tree. Authorization is enforced here and only
// here: a subscriber that fails the row filter never has an event built for
// it.
//
// The Registry is written by connect and disconnect paths and read by the
// Matcher on every record. Readers load an immutable per entity type slice;
// writers replace it.
package subscription
