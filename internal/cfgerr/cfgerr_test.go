package cfgerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

var errSentinel = errors.New("sentinel")

func TestNewfMatchesBothSentinels(t *testing.T) {
	err := cfgerr.Newf("load rules", errSentinel, "line %d", 3)

	assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, "load rules: sentinel: line 3", err.Error())
}

func TestWrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("compile: %w", cfgerr.New("network", errSentinel))

	assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
	var cfgErr *cfgerr.Error
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "network", cfgErr.Op)
}

func TestPlainErrorIsNotConfiguration(t *testing.T) {
	assert.NotErrorIs(t, errSentinel, cfgerr.ErrConfiguration)
}
