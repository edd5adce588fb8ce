package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLogger(t *testing.T) {
	for _, debug := range []bool{true, false} {
		log := BuildLogger(debug)
		require.NotNil(t, log)
		assert.NotNil(t, log.SugaredLogger)
		log.Infof("logger smoke test (debug=%v)", debug)
		log.Sync()
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	log.Infow("dropped", "key", "value")
	assert.NoError(t, log.Sync())
}
