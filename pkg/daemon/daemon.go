// Package daemon runs a conditioning run in the foreground while serving a
// small HTTP API over a unix socket, so the operator can watch progress,
// acknowledge checkpoints and abort from another terminal.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/tvaclab/peltcycle/pkg/chamber"
	"github.com/tvaclab/peltcycle/pkg/config"
	"github.com/tvaclab/peltcycle/pkg/cycle"
	"github.com/tvaclab/peltcycle/pkg/events"
	"github.com/tvaclab/peltcycle/pkg/run"
	"github.com/tvaclab/peltcycle/pkg/supply"
)

var (
	conf      *config.File
	runner    *run.Runner
	gate      *cycle.Gate
	hub       *events.EventHub
	abortFunc context.CancelFunc
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.GET("/config", getConfig)
	router.POST("/checkpoint/ack", ackCheckpoint)
	router.POST("/abort", postAbort)
	router.GET("/events", getEvents)
	router.GET("/version", getVersion)

	return router
}

// Run executes one full conditioning run and blocks until it completes, is
// aborted, or the process receives SIGINT/SIGTERM. Whatever the outcome,
// both supply outputs are left disabled.
func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	hub = events.NewEventHub()
	gate = cycle.NewGate()
	gate.OnWait = func(msg string) {
		hub.Publish(events.CheckpointWait, events.CheckpointEvent{
			Cycle:   runner.Status().CurrentCycle,
			Message: msg,
			Ts:      time.Now().Unix(),
		})
		logrus.Warnf("%s (press RETURN here, or run `peltcycle ack`)", msg)
	}
	gate.OnResume = func() {
		hub.Publish(events.CheckpointResume, events.CheckpointEvent{
			Cycle: runner.Status().CurrentCycle,
			Ts:    time.Now().Unix(),
		})
	}

	logrus.WithField("resource", conf.SupplyResource()).Info("connecting to power supply")
	sup, err := supply.Open(conf.SupplyResource())
	if err != nil {
		logrus.Fatalf("power supply not found: %v. Make sure it is powered, connected and turned on, then run again.", err)
	}

	logrus.WithField("address", conf.ChamberAddress()).Info("connecting to climatic chamber")
	cham, err := chamber.Dial(conf.ChamberAddress(), conf.ChamberTimeout())
	if err != nil {
		logrus.Fatalf("cannot connect to the climatic chamber: %v. Make sure it is on, networked and set to external control, then run again.", err)
	}
	cham.MaxQueryRetries = uint64(conf.QueryMaxRetries())

	runner = run.New(cham, sup, gate, nil, conf, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	abortFunc = cancel

	srv := &http.Server{Handler: setupRoutes()}

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			logrus.Fatal(err)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// A terminal operator can acknowledge checkpoints with RETURN. The HTTP
	// ack endpoint feeds the same gate.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		go ackFromStdin(ctx)
	}

	// Signals must abort preflight too: the self-test powers outputs, so
	// the handler is installed before anything can go live.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logrus.Infof("caught signal %q: aborting run", sig)
		cancel()
	}()

	if err := runner.Preflight(ctx); err != nil {
		logrus.Errorf("preflight failed: %v", err)
		shutdown(srv, cham, sup)
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	runErr := <-done
	shutdown(srv, cham, sup)
	return runErr
}

// shutdown stops the http server and closes both instrument connections.
// Runner teardown (outputs off, chamber to ambient) already ran inside
// Runner.Run.
func shutdown(srv *http.Server, cham *chamber.Client, sup *supply.Client) {
	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("closing chamber connection")
	if err := cham.Close(); err != nil {
		logrus.Errorf("failed to close chamber connection: %v", err)
	}

	logrus.Info("closing supply connection")
	if err := sup.Close(); err != nil {
		logrus.Errorf("failed to close supply connection: %v", err)
	}

	logrus.Info("exiting")
}

// ackFromStdin turns RETURN presses into checkpoint acknowledgments.
func ackFromStdin(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := gate.Ack(); err != nil {
			logrus.Debug("no checkpoint waiting, ignoring input")
		}
	}
}
