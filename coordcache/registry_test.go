package coordcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstanceKey_StableForSameInputs(t *testing.T) {
	a := instanceKey([]string{"host1:2379", "host2:2379"}, 30*time.Second)
	b := instanceKey([]string{"host1:2379", "host2:2379"}, 30*time.Second)
	assert.Equal(t, a, b)
}

func TestInstanceKey_DiffersOnTimeout(t *testing.T) {
	a := instanceKey([]string{"host1:2379"}, 30*time.Second)
	b := instanceKey([]string{"host1:2379"}, 15*time.Second)
	assert.NotEqual(t, a, b)
}

func TestInstanceKey_DiffersOnEndpoints(t *testing.T) {
	a := instanceKey([]string{"host1:2379"}, 30*time.Second)
	b := instanceKey([]string{"host2:2379"}, 30*time.Second)
	assert.NotEqual(t, a, b)
}
