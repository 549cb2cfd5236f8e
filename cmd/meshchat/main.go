// Command meshchat connects to a MeshChat gateway and serves the chat to
// browser front ends over WebSocket.
//
// Settings come from MESHCHAT_* environment variables (and an optional
// .env file). Flags override them.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmesh/meshchat-go/chat"
	"github.com/openmesh/meshchat-go/config"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/crypto"
	"github.com/openmesh/meshchat-go/mesh"
	"github.com/openmesh/meshchat-go/relay"
	"github.com/openmesh/meshchat-go/session"
	"github.com/openmesh/meshchat-go/store"
	"github.com/openmesh/meshchat-go/store/sqlite"
	"github.com/openmesh/meshchat-go/transport"
	"github.com/openmesh/meshchat-go/transport/ble"
	"github.com/openmesh/meshchat-go/transport/bluez"
	"github.com/openmesh/meshchat-go/transport/gatt"
	"github.com/openmesh/meshchat-go/transport/loopback"
	"github.com/openmesh/meshchat-go/transport/mqtt"
	"github.com/openmesh/meshchat-go/transport/serial"
)

const reconnectDelay = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshchat:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", "", "load settings from this .env file instead of ./.env")
	backend := flag.String("backend", "", "link backend: ble, bluez, serial or loopback")
	name := flag.String("name", "", "gateway advertiser name prefix")
	listen := flag.String("listen", "", "relay listen address")
	db := flag.String("db", "", "SQLite database path")
	memory := flag.Bool("memory", false, "keep messages in memory only")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error")
	reconnect := flag.Bool("reconnect", true, "reconnect after the gateway drops")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	override(&cfg.Backend, *backend)
	override(&cfg.DeviceName, *name)
	override(&cfg.ListenAddr, *listen)
	override(&cfg.DBPath, *db)
	override(&cfg.LogLevel, *logLevel)
	if *memory {
		cfg.DBPath = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := newLink(cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	var messages store.MessageStore = store.NewMemory(0)
	if cfg.DBPath != "" {
		sq, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer sq.Close()
		messages = sq
	}

	framing, _ := session.ParseFraming(cfg.Framing)
	sess := session.New(link, session.Config{
		NameFilter:    cfg.DeviceName,
		ScanTimeout:   cfg.ScanTimeout,
		Framing:       framing,
		SkipHandshake: cfg.SkipHandshake,
		Logger:        logger,
	})
	defer sess.Close()

	// The relay is created after the chat service it drives, so
	// notifications reach it through hub once it is set.
	var hub *relay.Hub
	svc := chat.New(sess, chat.Config{
		SelfID:     cfg.SelfID,
		Store:      messages,
		ACKTimeout: cfg.ACKTimeout,
		Notifier: chat.NotifierFunc(func(title, body string) {
			logger.Info(title, "body", body)
			if hub != nil {
				hub.Notify(title, body)
			}
		}),
		Logger: logger,
	})
	svc.Register(sess)
	go svc.Start(ctx)
	defer svc.Stop()

	topoCfg := mesh.Config{Logger: logger}
	if cfg.ListenAddr != "" {
		hub = relay.New(relay.Config{Chat: svc, Connector: sess, Logger: logger})
		defer hub.Close()
		topoCfg.Visualizer = hub
		svc.SetOnMessage(hub.PublishMessage)
		svc.SetOnDeviceStatus(hub.PublishDevice)
	}
	topo := mesh.New(topoCfg)
	sess.OnMessage(codec.TypeNetworkStatus, topo.HandleEnvelope)
	go topo.Start(ctx)
	defer topo.Stop()

	if cfg.MQTTBroker != "" {
		bridge, err := newBridge(cfg, sess, logger)
		if err != nil {
			return err
		}
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Stop()
		sess.OnAny(bridge.Forward)
		logger.Info("mqtt bridge started", "rx", bridge.RxTopic(), "tx", bridge.TxTopic())
	}

	dropped := watchDrops(sess)
	sess.SetStateHandler(func(from, to session.State) {
		logger.Info("session state", "from", from, "to", to)
		if hub != nil {
			hub.PublishState(from, to)
		}
	})

	if hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay server failed", "error", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("relay listening", "addr", cfg.ListenAddr)
	}

	maintain(ctx, sess, dropped, *reconnect, reconnectDelay, logger)

	logger.Info("shutting down", "stats", sess.Stats())
	return sess.Disconnect()
}

// connector is the part of a session the connection loop drives.
type connector interface {
	Connect(ctx context.Context) error
}

// watchDrops signals on the returned channel each time the gateway link
// is lost. Voluntary disconnects are not signalled.
func watchDrops(s *session.Session) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.SetDropHandler(func(error) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch
}

// maintain connects c, retrying every delay until it succeeds. After a
// drop it reconnects when reconnect is set. It returns when ctx is done.
func maintain(ctx context.Context, c connector, dropped <-chan struct{}, reconnect bool, delay time.Duration, log *slog.Logger) {
	for {
		if err := c.Connect(ctx); err != nil && !errors.Is(err, session.ErrAlreadyConnected) {
			if ctx.Err() != nil {
				return
			}
			log.Warn("connect failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-dropped:
		}
		if !reconnect {
			log.Info("gateway dropped, not reconnecting")
			<-ctx.Done()
			return
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// closableLink is a Link that owns resources released on exit.
type closableLink interface {
	transport.Link
	Close() error
}

func newLink(cfg config.Config, logger *slog.Logger) (closableLink, error) {
	linkCfg := gatt.Config{MTU: cfg.MTU, Logger: logger}
	switch cfg.Backend {
	case config.BackendBLE:
		return ble.New(ble.Config{Link: linkCfg, Logger: logger})
	case config.BackendBlueZ:
		return bluez.New(bluez.Config{Adapter: cfg.Adapter, Link: linkCfg, Logger: logger})
	case config.BackendSerial:
		return serial.New(serial.Config{Port: cfg.SerialPort, BaudRate: cfg.SerialBaud, Logger: logger}), nil
	case config.BackendLoopback:
		framing, _ := session.ParseFraming(cfg.Framing)
		link, _ := loopback.New(loopback.Config{
			Name:   cfg.DeviceName,
			Framed: framing == session.FramingLengthPrefixed,
			Logger: logger,
		}, linkCfg)
		return link, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, cfg.Backend)
}

func newBridge(cfg config.Config, sender mqtt.Sender, logger *slog.Logger) (*mqtt.Bridge, error) {
	bcfg := mqtt.Config{
		Broker:      cfg.MQTTBroker,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTPrefix,
		DeviceID:    cfg.MQTTDevice,
		Passphrase:  cfg.MQTTPassphrase,
		Logger:      logger,
	}
	if cfg.MQTTIdentity != "" {
		id, err := crypto.IdentityFromHex(cfg.MQTTIdentity)
		if err != nil {
			return nil, err
		}
		peer, err := hex.DecodeString(cfg.MQTTPeerKey)
		if err != nil {
			return nil, fmt.Errorf("decoding peer key: %w", err)
		}
		bcfg.Identity = id
		bcfg.PeerKey = peer
		logger.Info("mqtt pairwise sealing", "fingerprint", id.Fingerprint())
	}
	return mqtt.New(bcfg, sender)
}
