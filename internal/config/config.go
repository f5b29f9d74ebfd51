// Package config defines the gateway's configuration surface: the CLI flags
// and optional YAML file that together describe listen addresses, upstream
// resolvers, the synthetic-IP pool, the rule engine's inputs, and the
// ambient logging/stats knobs.
package config

import (
	"fmt"
	"os"
	"reflect"

	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config represents the console and file-provided configuration for the
// gateway.  Fields set explicitly on the command line override the values
// loaded from ConfigPath's YAML document.
type Config struct {
	ConfigPath string `long:"config-path" description:"YAML configuration file. Options passed on the command line override the ones from this file." default:""`

	LogOutput string `yaml:"output" short:"o" long:"output" description:"Path to the log file. If not set, write to stdout."`
	Verbose   bool   `yaml:"verbose" short:"v" long:"verbose" description:"Verbose logging."`

	// DNS listener.
	DNSListenAddrs []string `yaml:"dns-listen" short:"l" long:"dns-listen" description:"DNS listener addresses (host:port), UDP and TCP both bound."`
	Upstreams      []string `yaml:"upstream" short:"u" long:"upstream" description:"Upstream DNS server address(es), can be specified multiple times." optional:"false"`
	UpstreamTimeout string  `yaml:"upstream-timeout" long:"upstream-timeout" description:"Timeout for a single upstream query." default:"5s"`

	// Synthetic IP pool.
	FakeIPCIDR string `yaml:"fake-ip-cidr" long:"fake-ip-cidr" description:"CIDR range reserved for synthetic (fake) IPv4 bindings." default:"198.18.0.0/16"`

	// Hosts snapshot.
	HostsPath string `yaml:"hosts-path" long:"hosts-path" description:"Path to a hosts(5)-format file loaded at startup." default:"/etc/hosts"`

	// Rule engine inputs.
	RulesPath         string   `yaml:"rules-path" long:"rules-path" description:"Path to a rule-set file (exact/suffix/keyword/ip-cidr/geoip/final rules, one per line)."`
	DefaultAction     string   `yaml:"default-action" long:"default-action" description:"Action applied when no rule matches." default:"direct"`
	GeoIPDBPath       string   `yaml:"geoip-db-path" long:"geoip-db-path" description:"Path to a MaxMind GeoLite2-Country database. geoip-country rules never match without it."`
	DomainListURLs    []string `yaml:"domain-list-urls" long:"domain-list-url" description:"Remote newline-delimited domain list to load into the rule engine, can be specified multiple times."`
	DomainListRefresh string   `yaml:"domain-list-refresh" long:"domain-list-refresh" description:"Refresh interval for remote domain lists." default:"24h"`
	SOAOverridePath   string   `yaml:"soa-override-path" long:"soa-override-path" description:"Path to a JSON file of per-domain SOA overrides for rejected queries."`
	StickyDomains     []string `yaml:"sticky-domains" long:"sticky-domain" description:"Domain exempt from synthetic-IP eviction, can be specified multiple times."`

	// Store.
	StorePath          string `yaml:"store-path" long:"store-path" description:"Path to the sqlite binding/connection store." default:"tungate.db"`
	SweepInterval      string `yaml:"sweep-interval" long:"sweep-interval" description:"How often dead connections are reclaimed." default:"60s"`
	ConnIdleTimeout    string `yaml:"conn-idle-timeout" long:"conn-idle-timeout" description:"How long a closed connection lingers before being swept." default:"300s"`

	// Owner filter.
	ProxyUID uint32 `yaml:"proxy-uid" long:"proxy-uid" description:"If non-zero, flows whose remote socket is not owned by this uid are forced Direct."`

	// Proxy transport.
	ProxyUpstream string `yaml:"proxy-upstream" long:"proxy-upstream" description:"host:port of the plain relay upstream that ActionProxy flows are forwarded to."`

	// Ambient stats.
	StatsPath     string `yaml:"stats-path" long:"stats-path" description:"Path to persist the stats manager's JSON snapshot between restarts."`
	StatsInterval string `yaml:"stats-save-interval" long:"stats-save-interval" description:"How often the stats snapshot is saved to stats-path in the background." default:"1h"`

	// DNS wire server.
	RatelimitPerSec int `yaml:"ratelimit-per-sec" long:"ratelimit-per-sec" description:"Maximum DNS queries per second accepted from a single client IP. 0 disables the limit."`

	Version bool `yaml:"version" long:"version" description:"Print the program version and exit."`
}

// Load parses CLI arguments, then — if ConfigPath is set — layers in the
// YAML file's values for any field not explicitly supplied on the command
// line.  This mirrors the precedence rule used throughout the pack's
// flags+YAML configurations: flags win, the file fills gaps.
func Load(args []string) (*Config, error) {
	conf := &Config{}

	parser := goFlags.NewParser(conf, goFlags.Default)
	remaining, err := parser.ParseArgs(args)
	if err != nil {
		if goFlags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	if len(remaining) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", remaining)
	}

	if path := conf.ConfigPath; path != "" {
		// Fields holding only a flag default are cleared so the file can
		// fill them; any the file leaves empty get their default back.
		defaults := *conf
		cv := reflect.ValueOf(conf).Elem()
		for i := 0; i < cv.NumField(); i++ {
			opt := parser.FindOptionByLongName(cv.Type().Field(i).Tag.Get("long"))
			if opt != nil && opt.IsSetDefault() {
				cv.Field(i).Set(reflect.Zero(cv.Field(i).Type()))
			}
		}
		if err = mergeYAMLFile(conf, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		mergeNonZero(conf, &defaults)
	}

	if err = conf.validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return conf, nil
}

// mergeYAMLFile decodes path into a fresh Config and copies over any field
// that is still at its zero value in conf, so that explicit CLI flags are
// never overwritten by the file.
func mergeYAMLFile(conf *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fileConf := &Config{}
	if err = yaml.Unmarshal(data, fileConf); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}

	mergeNonZero(conf, fileConf)

	return nil
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	if c.FakeIPCIDR == "" {
		return fmt.Errorf("fake-ip-cidr is required")
	}
	switch c.DefaultAction {
	case "direct", "proxy", "reject":
	default:
		return fmt.Errorf("default-action must be one of direct, proxy, reject, got %q", c.DefaultAction)
	}
	return nil
}
