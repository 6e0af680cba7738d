// The ricod program is the core kernel daemon: it owns one DataModel per
// namespace and exposes it as a control device over a Unix domain
// socket, in the shape of the teacher's cmd/tailscaled — a small flag-
// parsing main that wires a backend to a listener and blocks until a
// signal arrives.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/ctrldev"
	"github.com/ipcpstack/corekernel/internal/flow"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/model"
	"github.com/ipcpstack/corekernel/internal/shims"
)

func main() {
	socketPath := flag.String("socket", "/var/run/ricod.sock", "control device unix socket path")
	namespace := flag.String("namespace", "default", "kernel namespace this daemon instance serves")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on, empty to disable")
	flag.Parse()

	logf, closeLog := logger.NewZap("daemon", "ricod")
	defer closeLog()

	if err := model.Global.RegisterFactory(shims.NewFactory()); err != nil {
		logf("register shim-loopback factory: %v", err)
		os.Exit(1)
	}

	cfg := config.Default()
	dm, err := model.Global.GetOrCreateDM(*namespace, cfg, logf)
	if err != nil {
		logf("create data model: %v", err)
		os.Exit(1)
	}
	defer dm.Release()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(dm.Metrics.Registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logf("metrics server: %v", err)
			}
		}()
	}

	os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		logf("listen on %s: %v", *socketPath, err)
		os.Exit(1)
	}
	defer ln.Close()

	eng := flow.New(dm, cfg, logf)
	writeLower := func(ipcp *model.IPCP, f *model.Flow, pdu []byte) error {
		return ipcp.Ops.SduWrite(ipcp, f, pdu)
	}
	disp := ctrldev.NewDispatcher(dm, eng, writeLower)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go acceptLoop(ctx, ln, dm, cfg, disp, logf)

	<-ctx.Done()
	logf("shutting down")
}

func acceptLoop(ctx context.Context, ln net.Listener, dm *model.DataModel, cfg config.Config, disp *ctrldev.Dispatcher, logf logger.Logf) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logf("accept: %v", err)
			return
		}
		go serveConn(conn, dm, cfg, disp, logf)
	}
}

// serveConn drives one opened control device end to end: it reads
// framed writes off the socket and dispatches them, and pumps its
// upqueue back onto the socket as it fills (spec.md §4.4).
func serveConn(conn net.Conn, dm *model.DataModel, cfg config.Config, disp *ctrldev.Dispatcher, logf logger.Logf) {
	defer conn.Close()

	d := ctrldev.New(dm, cfg, true /* admin: local socket peers are trusted */, logf)
	disp.RegisterDevice(d)
	defer disp.UnregisterDevice(d)
	defer d.Close()

	go pumpUpqueue(conn, d, logf)

	staging := make([]byte, cfg.StagingBufferSize)
	for {
		n, err := conn.Read(staging)
		if err != nil {
			return
		}
		if err := d.HandleWrite(disp, staging[:n]); err != nil {
			logf("dispatch: %v", err)
		}
	}
}

func pumpUpqueue(conn net.Conn, d *ctrldev.ControlDevice, logf logger.Logf) {
	buf := make([]byte, 1<<16)
	for {
		n, err := d.ReadBlocking(buf, 0)
		if err != nil {
			continue
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
	}
}
