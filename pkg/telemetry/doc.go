// Package telemetry provides logging, metrics and tracing for the agent
// daemon and its worker processes.
//
// Logging is structured with zerolog. Loggers carry session, peer, batch and
// module fields so one session or one batch can be followed through the logs.
//
// Metrics are Prometheus collectors on a private registry, served over HTTP
// only when a listen address is configured. A disabled Metrics value is safe
// to call and records nothing.
//
// Tracing uses OpenTelemetry with stdout or OTLP/gRPC exporters. Sessions,
// requests and worker steps each get a span.
//
//	tel, err := telemetry.New(cfg.TelemetryConfig(version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
package telemetry
