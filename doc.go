// Package dblive holds the configuration and telemetry plumbing shared by the
// dblive command and programs embedding the DBLive Go SDK. The SDK itself
// lives in package client.
//
// # Building a client from configuration
//
//	cfg := dblive.DefaultConfig()
//	cfg.AppKey = os.Getenv("DBLIVE_APP_KEY")
//	cfg.CacheDir = "/var/cache/myapp/dblive"
//	cli, closeCache, err := dblive.NewClient(cfg, logger)
//	if err != nil { log.Fatal(err) }
//	defer closeCache()
//	defer cli.Dispose()
//
// With CacheDir set, values survive restarts in a directory of one file per
// key; CacheWatch lets several processes share that directory.
//
// # Telemetry
//
// The client records otel traces around every operation, plus metrics for
// the socket races and the content cache. SetupTelemetry installs the global
// providers:
//
//	tel, err := dblive.SetupTelemetry(ctx, cfg, logger)
//	if err != nil { log.Fatal(err) }
//	defer tel.Shutdown(context.Background())
//
// MetricsListen serves Prometheus metrics on /metrics. OTLPEndpoint exports
// traces over gRPC or HTTP.
package dblive
