// Package config loads run credentials from the environment. Credentials
// live in a .env file next to the inventory (or in the process environment)
// and are selected by region: RJ_USER/RJ_PASS for region "RJ", falling back
// to the fleet-wide RADIO_USER/RADIO_PASS pair.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/wisptools/sweep/pkg/scan"
)

// Loader resolves credentials from a .env file and the process environment.
type Loader struct {
	v   *viper.Viper
	log logrus.FieldLogger
}

// NewLoader reads baseDir/.env. A missing file is only a warning: the
// process environment can still supply every key.
func NewLoader(baseDir string, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(baseDir, ".env"))
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.WithField("path", v.ConfigFileUsed()).Warn(".env not found; relying on process environment")
	}

	return &Loader{v: v, log: log}
}

// Credentials resolves the SSH login for region. Empty credentials are an
// error surfaced before any device is contacted.
func (l *Loader) Credentials(region string) (scan.Credentials, error) {
	region = strings.ToUpper(strings.TrimSpace(region))

	user := l.v.GetString(region + "_USER")
	if user == "" {
		user = l.v.GetString("RADIO_USER")
	}
	secret := l.v.GetString(region + "_PASS")
	if secret == "" {
		secret = l.v.GetString("RADIO_PASS")
	}

	creds := scan.Credentials{User: user, Secret: secret}
	if creds.Empty() {
		return scan.Credentials{}, fmt.Errorf("credentials for region %q not found in .env", region)
	}

	l.log.WithField("region", region).Debug("credentials resolved")
	return creds, nil
}
