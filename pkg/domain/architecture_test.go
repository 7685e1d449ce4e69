package domain

import (
	"path/filepath"
	"strings"
	"testing"

	"colonytally/testutil"
)

// thirdParty matches imports outside the standard library and the module,
// except the errgroup used by parallel planning.
func thirdParty(path string) bool {
	if path == "golang.org/x/sync/errgroup" || strings.HasPrefix(path, testutil.Module+"/") {
		return false
	}
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".")
}

// TestDomainImportsStayPublic keeps the domain layer free of internal
// packages and third-party dependencies.
func TestDomainImportsStayPublic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ModuleImportForbidden("colonytally/pkg/aggregate"), "domain builds only on the aggregate core")
	for _, dir := range []string{".", filepath.Join("..", "aggregate")} {
		testutil.AssertNoDirectImports(t, dir, thirdParty, "public packages stay on the standard library")
	}
}
