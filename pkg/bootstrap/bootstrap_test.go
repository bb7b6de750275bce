package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestNew_AppliesDefaultConnectTimeout(t *testing.T) {
	b := New(Config{RootUsername: "root"})
	assert.NotZero(t, b.Config.ConnectTimeout)
}

func TestNew_PreservesExplicitConnectTimeout(t *testing.T) {
	b := New(Config{ConnectTimeout: 1})
	assert.Equal(t, 1, int(b.Config.ConnectTimeout))
}

func TestPasswordFingerprint_NeverReturnsThePassword(t *testing.T) {
	fp := passwordFingerprint("super-secret-pw")
	assert.NotEmpty(t, fp)
	assert.NotContains(t, fp, "super-secret-pw")
}

// The NamespaceExists error (code 48) that ensureAppDatabase tolerates is
// recognised through errors.As on a mongo.CommandError.
func TestNamespaceExistsError_MatchedByErrorsAs(t *testing.T) {
	err := mongo.CommandError{Code: 48, Message: "collection already exists"}
	var cmdErr mongo.CommandError
	ok := errors.As(error(err), &cmdErr)
	assert.True(t, ok)
	assert.Equal(t, int32(48), cmdErr.Code)
}
