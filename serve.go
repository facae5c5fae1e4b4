package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/couriervar"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/queue"
	"github.com/courier-mta/courier/store"
)

func cmdServe(c *cmd) {
	c.help = `Start the delivery engine.

Opens the message store and queue databases, starts the delivery workers, the
webhook deliverer and the retention cleaner, and runs until the first SIGINT
or SIGTERM. A second signal aborts immediately.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	log := c.log
	err := courier.LoadConfig(log, courier.ConfigFile)
	xcheckf(err, "loading config file %q", courier.ConfigFile)
	setLoglevel()

	log.Info("starting up",
		slog.String("version", couriervar.Version),
		slog.String("hostname", courier.Conf.Static.Hostname),
		slog.Int("pid", os.Getpid()),
		slog.String("go", runtime.Version()))

	err = store.Init(courier.Shutdown, courier.DataDirPath("store/index.db"))
	xcheckf(err, "opening message store")
	err = queue.Init(courier.Shutdown)
	xcheckf(err, "opening queue")

	if addr := courier.Conf.Static.MetricsListener; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info("metrics listener", slog.String("addr", addr))
			err := srv.ListenAndServe()
			if err != http.ErrServerClosed {
				log.Errorx("metrics listener", err)
			}
		}()
	}

	done := make(chan struct{})
	resolver := dns.StrictResolver{Pkg: "queue", Log: log.Logger}
	err = queue.Start(resolver, done)
	xcheckf(err, "starting queue")

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down", slog.Any("signal", sig))
	courier.ShutdownCancel()

	// Workers finish their current message, a second signal or a stuck
	// delivery should not keep us from exiting.
	select {
	case <-done:
	case <-sigc:
		log.Info("shutdown forced")
	case <-time.After(30 * time.Second):
		log.Info("shutdown timed out")
	}

	queue.Shutdown()
	err = store.Close()
	log.Check(err, "closing message store")
	log.Info("stopped")
}
