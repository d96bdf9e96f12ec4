// Package config holds the environment inputs every compilation needs.
// They are read once at process start and passed explicitly to the compiler.
package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/kelseyhightower/envconfig"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
)

// ErrMissingInput is returned when a required environment input is absent.
var ErrMissingInput = errors.New("missing required environment input")

var (
	accountRE = regexp.MustCompile(`^[0-9]{12}$`)
	regionRE  = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]+$`)
)

// Config is the target deployment environment.
type Config struct {
	AccountID string `envconfig:"ACCOUNT_ID" required:"true"`
	Region    string `envconfig:"REGION" required:"true"`
}

// Load reads ACCOUNT_ID and REGION from the process environment and
// validates them.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, cfgerr.Newf("environment", ErrMissingInput, "%v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that both inputs are present and well-formed.
func (c Config) Validate() error {
	if c.AccountID == "" {
		return cfgerr.Newf("environment", ErrMissingInput, "ACCOUNT_ID is not set")
	}
	if c.Region == "" {
		return cfgerr.Newf("environment", ErrMissingInput, "REGION is not set")
	}
	if !accountRE.MatchString(c.AccountID) {
		return cfgerr.New("environment", fmt.Errorf("ACCOUNT_ID %q is not a 12-digit account identifier", c.AccountID))
	}
	if !regionRE.MatchString(c.Region) {
		return cfgerr.New("environment", fmt.Errorf("REGION %q is not a region name", c.Region))
	}
	return nil
}

// Zone returns the availability zone of the region with the given suffix,
// e.g. Zone("a") in ap-northeast-1 is "ap-northeast-1a".
func (c Config) Zone(suffix string) string {
	return c.Region + suffix
}
