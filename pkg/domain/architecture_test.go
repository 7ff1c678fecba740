package domain

import (
	"testing"

	"identitycore/testutil"
)

// The domain model is shared by every backend and sink, so it depends on
// nothing but the standard library.
func TestDomainImportsStandardLibraryOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.Any(testutil.InternalImportForbidden, testutil.ThirdPartyImport),
		"domain must stay free of implementation packages")
}
