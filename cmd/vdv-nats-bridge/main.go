package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	apexText "github.com/apex/log/handlers/text"
	"github.com/urfave/cli/v2"

	"vdv-nats-bridge/internal/bridge"
	"vdv-nats-bridge/internal/config"
	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/publisher"
	"vdv-nats-bridge/internal/vdv"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var logTags = log.Fields{
	"module":    "main",
	"component": "main",
}

func main() {
	app := &cli.App{
		Name:      "vdv-nats-bridge",
		Version:   version,
		Usage:     "send realtime transit data from a VDV-453/-454 API to NATS",
		ArgsUsage: "<service>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "leitstelle",
				Aliases: []string{"l"},
				Usage:   "our Leitstelle (client ID)",
			},
			&cli.StringFlag{
				Name:  "their-leitstelle",
				Usage: "the server's Leitstelle, used in the URLs of incoming requests",
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Aliases: []string{"e"},
				Usage:   "base URL of the VDV-453 API",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to listen on for requests from the VDV-453 server",
			},
			&cli.StringFlag{
				Name:  "expires",
				Usage: "when the subscription expires, ISO 8601 with offset or UNIX epoch (default: in 1h)",
			},
			&cli.StringFlag{
				Name:  "subscriptions-file",
				Usage: "YAML file listing several subscriptions, replaces <service> and --expires",
			},
			&cli.BoolFlag{
				Name:  "json-log",
				Usage: "log in JSON format",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logging level: [debug info warn error]",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitCode(err))
	}
}

// cliError carries an exit code that has already been reported.
type cliError struct {
	err  error
	code int
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	fmt.Fprintln(os.Stderr, err)
	return bridge.ExitError
}

// loadConfig reads the environment and applies the command line on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet("leitstelle") {
		cfg.Leitstelle = c.String("leitstelle")
	}
	if c.IsSet("their-leitstelle") {
		cfg.TheirLeitstelle = c.String("their-leitstelle")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("expires") {
		cfg.Expires = c.String("expires")
	}
	if c.IsSet("subscriptions-file") {
		cfg.SubscriptionsFile = c.String("subscriptions-file")
	}
	if c.IsSet("json-log") {
		cfg.JSONLog = c.Bool("json-log")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if svc := c.Args().First(); svc != "" {
		cfg.Service = svc
	}
	if err := cfg.ResolveSubscriptions(time.Now()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if cfg.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	} else {
		log.SetHandler(apexText.New(os.Stderr))
	}
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// fail reports err and turns it into an exit code. In debug mode the error is
// logged with all its fields and the exit code is always 1.
func fail(cfg *config.Config, err error) error {
	if cfg != nil && cfg.Debug {
		entry := log.WithError(err).WithFields(logTags)
		var apiErr *vdv.APIError
		if errors.As(err, &apiErr) {
			entry = entry.WithFields(log.Fields{
				"op":           apiErr.Op,
				"service":      apiErr.Service,
				"ergebnis":     apiErr.Ergebnis,
				"fehlernummer": apiErr.Fehlernummer,
				"fehlertext":   apiErr.Fehlertext,
			})
		}
		entry.Errorf("%#v", err)
		return &cliError{err: err, code: bridge.ExitError}
	}
	fmt.Fprintln(os.Stderr, err)
	return &cliError{err: err, code: bridge.ExitCode(err)}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fail(nil, err)
	}
	setupLogging(cfg)
	logTags["instance"] = cfg.Leitstelle

	mcol := metrics.NewCollector()
	var metricsSrv interface {
		Shutdown(context.Context) error
	}
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	upstream := vdv.NewHTTPClient(vdv.ClientConfig{
		Leitstelle:          cfg.Leitstelle,
		TheirLeitstelle:     cfg.TheirLeitstelle,
		Endpoint:            cfg.Endpoint,
		RequestTimeout:      cfg.Options.RequestTimeout,
		SubscribeMaxElapsed: cfg.Options.SubscribeMaxElapsed,
	}, bridge.NewMetricsObserver(mcol))

	connectBus := func() (bridge.Bus, error) {
		n := cfg.Options.NATS
		return publisher.Connect(publisher.NATSOptions{
			URL:            n.URL,
			User:           n.User,
			Password:       n.Password,
			Name:           n.ClientName,
			ConnectTimeout: n.ConnectTimeout,
			MaxReconnects:  n.MaxReconnects,
			ReconnectWait:  n.ReconnectWait,
		}, cfg.LogNATSSubjects, mcol)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// A signal during startup cancels it.
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	type started struct {
		b   *bridge.Bridge
		err error
	}
	startDone := make(chan started, 1)
	go func() {
		b, err := bridge.Start(ctx, cfg, bridge.Dependencies{
			Upstream:   upstream,
			ConnectBus: connectBus,
			Metrics:    mcol,
		})
		startDone <- started{b, err}
	}()

	var res started
	select {
	case res = <-startDone:
	case sig := <-sigs:
		log.WithFields(logTags).WithField("signal", sig.String()).Warn("canceling startup")
		cancel()
		res = <-startDone
		if res.err == nil {
			res.err = context.Canceled
		}
	}

	stop := func() error {
		var errs []error
		if res.b != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			errs = append(errs, res.b.Stop(shutdownCtx))
		}
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return errors.Join(errs...)
	}

	if res.err != nil {
		if ctx.Err() != nil {
			res.err = fmt.Errorf("%w: %w", context.Canceled, res.err)
		}
		// a signal while cleaning up forces the exit, as during a regular stop
		if _, serr := bridge.StopOrForceExit(sigs, stop, os.Exit); serr != nil {
			log.WithError(serr).WithFields(logTags).Warn("cleanup after failed start")
		}
		return fail(cfg, res.err)
	}

	log.WithFields(logTags).Infof("bridge running, %d subscription(s)", len(res.b.Manager().Active()))
	bridge.HandleSignals(sigs, stop, os.Exit)
	return nil
}
