// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the NATCORE_VM_TEST environment variable
// is not set. This ensures that tests requiring real kernel
// capabilities (loading an actual eBPF map, in natcore's case) only
// run in an environment with CAP_BPF, not in an ordinary sandbox.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("NATCORE_VM_TEST") == "" {
		t.Skip("Skipping test: requires NATCORE_VM_TEST environment")
	}
}
