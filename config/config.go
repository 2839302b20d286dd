// Package config reads the mbeanwatch configuration file and turns it into the
// Config structs of the engine's packages.
//
// The --config flag is either a file name ending in .json, .yaml or .yml, or
// literal JSON text:
//
//	mbeanwatch watch --config '{"poller": {"minSleep": "50ms"}}' ...
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/poller"
	"github.com/twitter/mbeanwatch/registry"
	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/unavailable"
)

// Duration reads "1.5s" style strings, or plain numbers as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Parameters of the poll loop.
// MinSleep, MaxSleep - bounds of the sleep between cycles.
// ProbeRate - individual reads per second when a batch is rejected, 0 is unlimited.
// SendNulls - deliver a null event when polling of a descriptor starts or stops.
type PollerConfig struct {
	MinSleep     Duration `json:"minSleep" yaml:"minSleep"`
	MaxSleep     Duration `json:"maxSleep" yaml:"maxSleep"`
	FetchTimeout Duration `json:"fetchTimeout" yaml:"fetchTimeout"`
	ProbeRate    float64  `json:"probeRate" yaml:"probeRate"`
	SendNulls    bool     `json:"sendNulls" yaml:"sendNulls"`
}

type BackoffConfig struct {
	Initial Duration `json:"initial" yaml:"initial"`
	Max     Duration `json:"max" yaml:"max"`
}

type ObjectsConfig struct {
	Disabled bool     `json:"disabled" yaml:"disabled"`
	Interval Duration `json:"interval" yaml:"interval"`
}

// A PolicyRule sets the sampling of one descriptor (Descriptor, a qualified
// name) or of every attribute with a name (Attribute). Once wins over Interval.
type PolicyRule struct {
	Descriptor string   `json:"descriptor" yaml:"descriptor"`
	Attribute  string   `json:"attribute" yaml:"attribute"`
	Interval   Duration `json:"interval" yaml:"interval"`
	Once       bool     `json:"once" yaml:"once"`
}

type AdminConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type Config struct {
	// Jolokia endpoint. Empty means the built-in simulated JVM.
	URL string `json:"url" yaml:"url"`

	DefaultInterval Duration      `json:"defaultInterval" yaml:"defaultInterval"`
	Poller          PollerConfig  `json:"poller" yaml:"poller"`
	Backoff         BackoffConfig `json:"backoff" yaml:"backoff"`
	Objects         ObjectsConfig `json:"objects" yaml:"objects"`
	Policies        []PolicyRule  `json:"policies" yaml:"policies"`
	// Attribute names whose negative samples are dropped, on top of the CPU load defaults.
	NonNegative []string    `json:"nonNegative" yaml:"nonNegative"`
	Debug       bool        `json:"debug" yaml:"debug"`
	Admin       AdminConfig `json:"admin" yaml:"admin"`
}

// Default is the configuration used when no --config is given.
func Default() *Config {
	return &Config{DefaultInterval: Duration(subscription.DefaultUpdateInterval)}
}

// Load reads configFlag as a file if it names one by extension, and as
// literal JSON otherwise. An empty flag gives Default().
func Load(configFlag string) (*Config, error) {
	if configFlag == "" {
		return Default(), nil
	}
	switch strings.ToLower(filepath.Ext(configFlag)) {
	case ".json", ".yaml", ".yml":
		text, err := os.ReadFile(configFlag)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFlag)
		}
		log.WithFields(log.Fields{"file": configFlag}).Info("Reading config file")
		return Parse(text, filepath.Ext(configFlag))
	}
	log.Info("Using --config as JSON config text")
	return Parse([]byte(configFlag), ".json")
}

// Parse decodes text in the format named by ext and fills in defaults.
func Parse(text []byte, ext string) (*Config, error) {
	c := Default()
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(text, c)
	default:
		if len(strings.TrimSpace(string(text))) == 0 {
			return c, nil
		}
		err = json.Unmarshal(text, c)
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse config")
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = Duration(subscription.DefaultUpdateInterval)
	}
	return c, nil
}

// RegistryConfig builds the registry configuration, resolving the policy
// rules into a policy table.
func (c *Config) RegistryConfig() (registry.Config, error) {
	policies := subscription.NewPolicyTable(subscription.Interval(c.DefaultInterval.Std()))
	for i, rule := range c.Policies {
		p := subscription.Interval(rule.Interval.Std())
		if rule.Once {
			p = subscription.Once()
		}
		switch {
		case rule.Descriptor != "":
			d, err := mri.Parse(rule.Descriptor)
			if err != nil {
				return registry.Config{}, errors.Wrapf(err, "policy %d", i)
			}
			policies.Set(d, p)
		case rule.Attribute != "":
			policies.SetForAttribute(rule.Attribute, p)
		default:
			return registry.Config{}, errors.Errorf("policy %d names neither a descriptor nor an attribute", i)
		}
	}
	filters := subscription.NewFilterTable()
	for _, name := range c.NonNegative {
		filters.SetForAttribute(name, subscription.NonNegative)
	}

	return registry.Config{
		Poller: poller.Config{
			MinSleep:     c.Poller.MinSleep.Std(),
			MaxSleep:     c.Poller.MaxSleep.Std(),
			FetchTimeout: c.Poller.FetchTimeout.Std(),
			SendNulls:    c.Poller.SendNulls,
			ProbeRate:    rate.Limit(c.Poller.ProbeRate),
		},
		Unavailable: unavailable.Config{
			InitialBackoff: c.Backoff.Initial.Std(),
			MaxBackoff:     c.Backoff.Max.Std(),
		},
		ObjectsInterval:         c.Objects.Interval.Std(),
		DisableObjectTracking:   c.Objects.Disabled,
		Policies:                policies,
		Filters:                 filters,
		CollectDebugInformation: c.Debug,
	}, nil
}
