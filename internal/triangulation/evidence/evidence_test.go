package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobIDRoundTripsPass(t *testing.T) {
	for _, p := range []Pass{PassFile, PassDirectory, PassGlobal} {
		id := JobID(p, "src/a.go")
		assert.Equal(t, p, PassOfJobID(id), id)
	}
	assert.Equal(t, "resolve-global:all", JobID(PassGlobal, GlobalScope))
	assert.Equal(t, Pass(""), PassOfJobID("nonsense"))
	assert.Equal(t, Pass(""), PassOfJobID("reconcile-relationship:abc"))
}

func TestAuthorityOrdering(t *testing.T) {
	assert.Greater(t, PassFile.Authority(), PassDirectory.Authority())
	assert.Greater(t, PassDirectory.Authority(), PassGlobal.Authority())
	assert.Greater(t, PassGlobal.Authority(), Pass("other").Authority())
}

func TestReconcileJobKeys(t *testing.T) {
	assert.Equal(t, "reconcile-relationship:abc", ReconcileJobKey("abc"))
	assert.NotEqual(t, ReconcileJobKey("abc"), PartialReconcileJobKey("abc"))
	assert.Equal(t, Pass(""), PassOfJobID(PartialReconcileJobKey("abc")))
}
