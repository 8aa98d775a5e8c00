// Package testutil provides test helpers shared across packages: a
// controllable clock and sealers bound to it.
package testutil
