// Package tester holds the small assertion helpers shared by this repo's
// tests. Every helper fails fast: an unmet expectation aborts the test on the
// spot. An optional leading message in msgAndArgs labels the failure.
package tester

import (
	"fmt"
	"reflect"
	"testing"
)

func fail(t *testing.T, detail string, msgAndArgs ...any) {
	t.Helper()
	if len(msgAndArgs) > 0 {
		t.Fatalf("%v: %s", msgAndArgs[0], detail)
		return
	}
	t.Fatal(detail)
}

// Eq fails the test unless got equals want. The comparison is deep, so
// slices, maps, and structs compare by content.
func Eq[T any](t *testing.T, got, want T, msgAndArgs ...any) {
	t.Helper()
	if reflect.DeepEqual(got, want) {
		return
	}
	fail(t, fmt.Sprintf("got %v, want %v", got, want), msgAndArgs...)
}

// True fails the test unless cond holds.
func True(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if !cond {
		fail(t, "condition does not hold", msgAndArgs...)
	}
}

// False fails the test if cond holds.
func False(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if cond {
		fail(t, "condition unexpectedly holds", msgAndArgs...)
	}
}

// NoErr fails the test if err is non-nil.
func NoErr(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		fail(t, fmt.Sprintf("unexpected error: %v", err), msgAndArgs...)
	}
}
