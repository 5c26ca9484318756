// Package any2pdf is an HTTP gateway that converts uploaded documents to PDF.
//
// It coordinates three external converter backends and multiplexes many
// concurrent client requests onto a bounded pool of long-lived helper
// processes:
//
//   - a headless Chromium browser (via go-rod) renders HTML documents,
//   - a pool of unoserver-style office workers converts office documents,
//   - a Pandoc process converts general markup formats.
//
// # Quick Start
//
// Load configuration from the environment, build the service, and serve:
//
//	cfg, err := any2pdf.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc := any2pdf.NewService(cfg)
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	srv := any2pdf.NewServer(cfg, svc)
//	log.Fatal(srv.ListenAndServe())
//
// # Architecture
//
// Every upload is validated and routed by media type, admitted to a bounded
// FIFO queue, and executed by one of a fixed number of worker goroutines.
// Each backend invocation carries a hard render deadline; on expiry the
// backend process is killed and the client receives 504.
//
// Supervisors own the backend lifecycles. Office workers are respawned on
// crash with a restart budget; the browser is restarted periodically and on
// crash with a reference-counted hot swap, so in-flight renders finish
// against the previous instance while new requests bind to the fresh one.
//
// The /healthcheck endpoint aggregates per-subsystem liveness and reports
// 503 until the browser and at least one office worker are up.
package any2pdf
