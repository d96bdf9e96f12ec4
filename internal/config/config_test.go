package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/config"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "123456789012")
	t.Setenv("REGION", "ap-northeast-1")

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "123456789012", c.AccountID)
	assert.Equal(t, "ap-northeast-1", c.Region)
	assert.Equal(t, "ap-northeast-1c", c.Zone("c"))
}

func TestLoadMissingAccount(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "")
	t.Setenv("REGION", "ap-northeast-1")

	_, err := config.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
	assert.ErrorIs(t, err, config.ErrMissingInput)
	assert.Contains(t, err.Error(), "ACCOUNT_ID")
}

func TestLoadMissingRegion(t *testing.T) {
	t.Setenv("ACCOUNT_ID", "123456789012")
	t.Setenv("REGION", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingInput)
	assert.Contains(t, err.Error(), "REGION")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"valid", config.Config{AccountID: "123456789012", Region: "us-west-2"}, ""},
		{"gov region", config.Config{AccountID: "123456789012", Region: "us-gov-west-1"}, ""},
		{"iso region", config.Config{AccountID: "123456789012", Region: "us-iso-east-1"}, ""},
		{"isob region", config.Config{AccountID: "123456789012", Region: "us-isob-east-1"}, ""},
		{"short account", config.Config{AccountID: "1234", Region: "us-west-2"}, "12-digit"},
		{"bad region", config.Config{AccountID: "123456789012", Region: "tokyo"}, "region name"},
		{"empty", config.Config{}, "ACCOUNT_ID is not set"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, cfgerr.ErrConfiguration)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
