// Package testutil provides fixtures and a controllable clock for testing
// the grant stores deterministically.
package testutil
