// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var errNoClusters = errors.New("config does not define any clusters")

// A Loader reads the site configuration, fills in defaults, and
// checks the result.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file path, or "-" for stdin.
	Path string

	// Don't refuse to load a config that fails validation. Used
	// by dump-config.
	SkipValidation bool

	configdata []byte
	loadTime   time.Time
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/stram/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	path := stram.DefaultConfigFile
	if p := os.Getenv("STRAM_CONFIG"); p != "" {
		path = p
	}
	flagset.StringVar(&ldr.Path, "config", path, "Site configuration `file` (default may be overridden by setting an STRAM_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the config file at ldr.Path and returns the resulting
// config, with defaults filled in for every cluster.
func (ldr *Loader) Load() (*stram.Config, error) {
	if ldr.configdata == nil {
		buf, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
	}
	buf := ldr.configdata

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errNoClusters
	}

	var cfg stram.Config
	for id := range dummy.Clusters {
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &cfg)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	// Warn about config keys that don't ever get used.
	var supplied map[string]interface{}
	if yaml.Unmarshal(buf, &supplied) == nil {
		var loaded map[string]interface{}
		if lbuf, err := yaml.Marshal(cfg); err == nil && yaml.Unmarshal(lbuf, &loaded) == nil {
			ldr.logExtraKeys(loaded, supplied, "")
		}
	}

	for id, cc := range cfg.Clusters {
		cc.ClusterID = id
		if !ldr.SkipValidation {
			if err := ldr.checkCluster(&cc); err != nil {
				return nil, err
			}
		}
		cfg.Clusters[id] = cc
	}
	ldr.loadTime = time.Now()
	return &cfg, nil
}

var acceptableTokenRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
var acceptableTokenLength = 32

func (ldr *Loader) checkToken(label, token string) {
	if token == "" {
		ldr.Logger.Warnf("%s: secret token is not set (use %d+ random characters from a-z, A-Z, 0-9)", label, acceptableTokenLength)
	} else if !acceptableTokenRe.MatchString(token) {
		ldr.Logger.Warnf("%s: secret token should contain only alphanumeric characters", label)
	} else if len(token) < acceptableTokenLength {
		ldr.Logger.Warnf("%s: secret token is too short (should be at least %d characters)", label, acceptableTokenLength)
	}
}

func (ldr *Loader) checkCluster(cc *stram.Cluster) error {
	prefix := "Clusters." + cc.ClusterID + "."
	ldr.checkToken(prefix+"ManagementToken", cc.ManagementToken)
	ldr.checkToken(prefix+"SystemRootToken", cc.SystemRootToken)

	if cc.Heartbeat.Interval <= 0 {
		return fmt.Errorf("%sHeartbeat.Interval must be set to a positive duration", prefix)
	}
	if cc.Heartbeat.MissedLimit <= 0 {
		return fmt.Errorf("%sHeartbeat.MissedLimit must be set to a positive number", prefix)
	}
	if cc.Heartbeat.StaleReportHistory < 0 {
		return fmt.Errorf("%sHeartbeat.StaleReportHistory must not be negative", prefix)
	}
	if cc.Containers.DefaultMemory < 0 {
		return fmt.Errorf("%sContainers.DefaultMemory must not be negative", prefix)
	}
	switch cc.Checkpoints.PurgeBackend {
	case "", "none":
	case "s3":
		if cc.Checkpoints.S3.Bucket == "" {
			return fmt.Errorf("%sCheckpoints.S3.Bucket must be set when PurgeBackend is \"s3\"", prefix)
		}
	default:
		return fmt.Errorf("%sCheckpoints.PurgeBackend: unknown backend %q", prefix, cc.Checkpoints.PurgeBackend)
	}
	switch cc.SystemLogs.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%sSystemLogs.Format: unsupported format %q", prefix, cc.SystemLogs.Format)
	}
	if _, err := logrus.ParseLevel(cc.SystemLogs.LogLevel); cc.SystemLogs.LogLevel != "" && err != nil {
		return fmt.Errorf("%sSystemLogs.LogLevel: %w", prefix, err)
	}
	return nil
}

// Config maps whose keys are data rather than config entry names.
var freeformMaps = map[string]bool{
	"InternalURLs":       true,
	"OperatorAttributes": true,
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok || freeformMaps[k] {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

// RegisterMetrics registers metrics about the loaded configuration
// with reg.
func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	hash := fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stram",
		Subsystem: "config",
		Name:      "load_timestamp_seconds",
		Help:      "Time when config file was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.loadTime.UnixNano()) / 1e9)
	reg.MustRegister(vec)
}
