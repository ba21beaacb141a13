// cgiserver serves static files and cgi-bin programs from a document root
//
//	usage: cgiserver [flags] ip_address port_number
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kfcemployee/cgiserver/server"
)

func main() {
	var (
		root        = flag.String("root", ".", "document root")
		workers     = flag.Int("workers", runtime.NumCPU(), "worker goroutines")
		queue       = flag.Int("queue", 1024, "work queue capacity")
		maxConns    = flag.Int("max-conns", 65536, "connection slots")
		acceptRate  = flag.Float64("accept-rate", 0, "accepted connections per second, 0 = unlimited")
		acceptBurst = flag.Int("accept-burst", 64, "accept rate burst")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] ip_address port_number\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	log := logrus.New()
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad log level")
	}
	log.SetLevel(lvl)

	addr, port, err := parseAddr(flag.Arg(0), flag.Arg(1))
	if err != nil {
		log.WithError(err).Fatal("bad address")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(server.Config{
		Addr:        addr,
		Port:        port,
		Root:        *root,
		Workers:     *workers,
		QueueSize:   *queue,
		MaxConns:    *maxConns,
		AcceptRate:  *acceptRate,
		AcceptBurst: *acceptBurst,
		Logger:      log,
		Registry:    reg,
	})
	if err != nil {
		log.WithError(err).Fatal("cannot start server")
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(*metricsAddr, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics listener")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.WithField("signal", s.String()).Info("shutting down")
		srv.Close()
	}()

	if err := srv.Run(); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// ipv4 address and port from the positional arguments
func parseAddr(ip, port string) ([4]byte, int, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil || !a.Is4() {
		return [4]byte{}, 0, fmt.Errorf("%q is not an IPv4 address", ip)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return [4]byte{}, 0, fmt.Errorf("%q is not a port", port)
	}
	return a.As4(), p, nil
}
