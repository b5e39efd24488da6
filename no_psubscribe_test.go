package rdsmq

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Redis Cluster does not support PSUBSCRIBE, so trigger delivery has to stay
// on a single plain channel.
func TestNoPSubscribeUsage(t *testing.T) {
	entries, err := os.ReadDir(".")
	require.NoError(t, err)

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		b, err := os.ReadFile(name)
		require.NoError(t, err)
		require.False(t, bytes.Contains(b, []byte(".PSubscribe(")), "%s uses PSubscribe", name)
	}
}
