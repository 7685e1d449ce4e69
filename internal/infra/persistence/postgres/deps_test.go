package postgres

import (
	"testing"

	"colonytally/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ModuleImportForbidden(
		"colonytally/pkg/domain",
		"colonytally/pkg/aggregate",
		"colonytally/internal/infra/persistence/memory",
	), "postgres store wraps the memory store")
}
