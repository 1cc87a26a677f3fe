// Package testutil provides shared fixtures for engine tests: sqlmock
// databases with a fast retry runner, and PostgreSQL integration databases
// gated on KBQ_TEST_DSN with pre-allocated slot pools under a unique root
// path per test.
package testutil
