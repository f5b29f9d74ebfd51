// Command tungate runs the transparent, rule-driven network interception
// gateway: its fake-IP DNS server and the flow dispatcher that a TUN
// collaborator drives for each intercepted connection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/go-co-op/gocron"
	"github.com/oschwald/geoip2-golang"

	"github.com/quietfox/tungate/internal/config"
	"github.com/quietfox/tungate/internal/dispatcher"
	"github.com/quietfox/tungate/internal/dnsserver"
	"github.com/quietfox/tungate/internal/hosts"
	"github.com/quietfox/tungate/internal/resolver"
	"github.com/quietfox/tungate/internal/rules"
	"github.com/quietfox/tungate/internal/stats"
	"github.com/quietfox/tungate/internal/store"
	"github.com/quietfox/tungate/internal/sweeper"
	"github.com/quietfox/tungate/internal/transport"
	"github.com/quietfox/tungate/internal/upstream"
)

func main() {
	conf, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
		os.Exit(2)
	}
	if conf.Version {
		fmt.Println("tungate (development build)")
		return
	}

	logOutput := os.Stdout
	if conf.LogOutput != "" {
		logOutput, err = os.OpenFile(conf.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("opening log file: %w", err))
			os.Exit(2)
		}
		defer logOutput.Close()
	}

	lvl := slog.LevelInfo
	if conf.Verbose {
		lvl = slog.LevelDebug
	}
	l := slogutil.New(&slogutil.Config{Output: logOutput, Format: slogutil.FormatDefault, Level: lvl})
	l.Info("tungate starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, conf, l); err != nil {
		l.Error("tungate exiting", slogutil.KeyError, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, l *slog.Logger) error {
	cidr, err := netip.ParsePrefix(conf.FakeIPCIDR)
	if err != nil {
		return fmt.Errorf("parsing fake-ip-cidr: %w", err)
	}

	st, err := store.Open(conf.StorePath, cidr, conf.StickyDomains)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hostsSnapshot, err := hosts.Load(conf.HostsPath)
	if err != nil {
		return fmt.Errorf("loading hosts file: %w", err)
	}

	defaultAction, err := rules.ParseAction(conf.DefaultAction)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(defaultAction)

	if conf.RulesPath != "" {
		if err = engine.LoadFile(conf.RulesPath); err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
	}
	if conf.GeoIPDBPath != "" {
		geo, gerr := geoip2.Open(conf.GeoIPDBPath)
		if gerr != nil {
			return fmt.Errorf("opening geoip database: %w", gerr)
		}
		defer geo.Close()
		engine.SetGeoIPReader(geo)
	} else {
		log.Info("geoip database not configured, geoip-country rules will never match")
	}

	scheduler := gocron.NewScheduler(time.UTC)

	var domainListLoader *rules.DomainListLoader
	if len(conf.DomainListURLs) > 0 {
		domainListLoader = rules.NewDomainListLoader(conf.DomainListURLs, rules.ActionReject, "domain-lists")
		refresh, rerr := time.ParseDuration(conf.DomainListRefresh)
		if rerr != nil {
			return fmt.Errorf("parsing domain-list-refresh: %w", rerr)
		}
		if err = domainListLoader.Refresh(refresh); err != nil {
			log.Error("domain list refresh: %v", err)
		}
		engine.AddDomainListLoader(domainListLoader)

		if _, serr := scheduler.Every(refresh).Do(func() {
			if rerr := domainListLoader.Refresh(refresh); rerr != nil {
				log.Error("domain list refresh: %v", rerr)
			}
		}); serr != nil {
			log.Error("scheduling domain list refresh: %v", serr)
		}
	}

	var soaOverrides *rules.SOAOverrideTable
	if conf.SOAOverridePath != "" {
		soaOverrides = rules.NewSOAOverrideTable()
		if err = soaOverrides.LoadFile(conf.SOAOverridePath); err != nil {
			return fmt.Errorf("loading soa overrides: %w", err)
		}
	}

	if len(conf.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	upstreamTimeout, err := time.ParseDuration(conf.UpstreamTimeout)
	if err != nil {
		return fmt.Errorf("parsing upstream-timeout: %w", err)
	}
	upClient := upstream.New(conf.Upstreams[0], upstreamTimeout)

	res := resolver.New(hostsSnapshot, engine, soaOverrides, st, upClient, true)

	statsManager := stats.New()
	if conf.StatsPath != "" {
		statsManager.LoadStats(conf.StatsPath)

		statsInterval, ierr := time.ParseDuration(conf.StatsInterval)
		if ierr != nil {
			return fmt.Errorf("parsing stats-save-interval: %w", ierr)
		}
		if _, serr := scheduler.Every(statsInterval).Do(func() {
			statsManager.SaveStats(conf.StatsPath)
		}); serr != nil {
			log.Error("scheduling stats save: %v", serr)
		}
	}

	scheduler.StartAsync()
	defer scheduler.Stop()

	directTransport := transport.NewDirect(0, upClient)
	var proxyTransport transport.Transport = directTransport
	if conf.ProxyUpstream != "" {
		proxyTransport = transport.NewPlainRelay(conf.ProxyUpstream)
	} else {
		log.Info("proxy-upstream not configured, ActionProxy flows are handled Direct")
	}
	// dp is ready for a TUN collaborator to drive: it feeds each
	// intercepted flow through DispatchTCP/DispatchUDP. No such
	// collaborator is built here; wiring one in is an integration task
	// for whatever TUN library a deployment chooses.
	dp := dispatcher.New(st, engine, directTransport, proxyTransport, statsManager, conf.ProxyUID)
	l.Info("flow dispatcher ready", "proxy_uid", conf.ProxyUID)
	_ = dp

	sweepInterval, err := time.ParseDuration(conf.SweepInterval)
	if err != nil {
		return fmt.Errorf("parsing sweep-interval: %w", err)
	}
	idleTimeout, err := time.ParseDuration(conf.ConnIdleTimeout)
	if err != nil {
		return fmt.Errorf("parsing conn-idle-timeout: %w", err)
	}
	sw := sweeper.New(st, sweepInterval, int64(idleTimeout.Seconds()))
	go sw.Run(ctx)
	defer sw.Stop()

	if len(conf.DNSListenAddrs) == 0 {
		conf.DNSListenAddrs = []string{"127.0.0.1:53"}
	}

	var servers []*dnsserver.Server
	for _, addr := range conf.DNSListenAddrs {
		srv := dnsserver.New(addr, res, statsManager, 0, conf.RatelimitPerSec)
		if err = srv.Start(); err != nil {
			return fmt.Errorf("starting dns server on %s: %w", addr, err)
		}
		servers = append(servers, srv)
		l.Info("dns server listening", "addr", addr)
	}

	<-ctx.Done()
	l.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err = srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutting down dns server: %v", err)
		}
	}

	if conf.StatsPath != "" {
		statsManager.SaveStats(conf.StatsPath)
	}

	return nil
}
