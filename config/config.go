// Package config loads the meshchat daemon's settings from the environment.
//
// Every setting is read from a MESHCHAT_* variable. A .env file in the
// working directory, or the files passed to Load, is applied first without
// overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Link backends.
const (
	BackendBLE      = "ble"
	BackendBlueZ    = "bluez"
	BackendSerial   = "serial"
	BackendLoopback = "loopback"
)

const (
	DefaultBackend    = BackendBLE
	DefaultListenAddr = ":8080"
	DefaultDBPath     = "meshchat.db"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Backend    string // MESHCHAT_BACKEND
	Adapter    string // MESHCHAT_ADAPTER, BlueZ adapter name
	SerialPort string // MESHCHAT_SERIAL_PORT
	SerialBaud int    // MESHCHAT_SERIAL_BAUD

	DeviceName    string        // MESHCHAT_DEVICE_NAME, advertiser name prefix
	Framing       string        // MESHCHAT_FRAMING: none | length-prefixed
	SkipHandshake bool          // MESHCHAT_SKIP_HANDSHAKE
	ScanTimeout   time.Duration // MESHCHAT_SCAN_TIMEOUT
	MTU           int           // MESHCHAT_MTU

	SelfID     string        // MESHCHAT_SELF_ID
	DBPath     string        // MESHCHAT_DB, empty keeps messages in memory
	ACKTimeout time.Duration // MESHCHAT_ACK_TIMEOUT

	ListenAddr string // MESHCHAT_LISTEN, empty disables the relay

	MQTTBroker     string // MESHCHAT_MQTT_BROKER, empty disables the bridge
	MQTTUsername   string // MESHCHAT_MQTT_USERNAME
	MQTTPassword   string // MESHCHAT_MQTT_PASSWORD
	MQTTPrefix     string // MESHCHAT_MQTT_PREFIX
	MQTTDevice     string // MESHCHAT_MQTT_DEVICE
	MQTTPassphrase string // MESHCHAT_MQTT_PASSPHRASE
	MQTTIdentity   string // MESHCHAT_MQTT_IDENTITY, hex Ed25519 seed
	MQTTPeerKey    string // MESHCHAT_MQTT_PEER_KEY, hex Ed25519 public key

	LogLevel  string // MESHCHAT_LOG_LEVEL
	LogFormat string // MESHCHAT_LOG_FORMAT: text | json
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Backend:    DefaultBackend,
		ListenAddr: DefaultListenAddr,
		DBPath:     DefaultDBPath,
		MQTTDevice: "gateway",
		LogLevel:   DefaultLogLevel,
		LogFormat:  DefaultLogFormat,
	}
}

// Load applies the given .env files (or ./.env when none are named) and
// reads the environment. A missing default .env is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading env file: %w", err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	r.str("MESHCHAT_BACKEND", &cfg.Backend)
	r.str("MESHCHAT_ADAPTER", &cfg.Adapter)
	r.str("MESHCHAT_SERIAL_PORT", &cfg.SerialPort)
	r.int("MESHCHAT_SERIAL_BAUD", &cfg.SerialBaud)
	r.str("MESHCHAT_DEVICE_NAME", &cfg.DeviceName)
	r.str("MESHCHAT_FRAMING", &cfg.Framing)
	r.bool("MESHCHAT_SKIP_HANDSHAKE", &cfg.SkipHandshake)
	r.duration("MESHCHAT_SCAN_TIMEOUT", &cfg.ScanTimeout)
	r.int("MESHCHAT_MTU", &cfg.MTU)
	r.str("MESHCHAT_SELF_ID", &cfg.SelfID)
	r.str("MESHCHAT_DB", &cfg.DBPath)
	r.duration("MESHCHAT_ACK_TIMEOUT", &cfg.ACKTimeout)
	r.str("MESHCHAT_LISTEN", &cfg.ListenAddr)
	r.str("MESHCHAT_MQTT_BROKER", &cfg.MQTTBroker)
	r.str("MESHCHAT_MQTT_USERNAME", &cfg.MQTTUsername)
	r.str("MESHCHAT_MQTT_PASSWORD", &cfg.MQTTPassword)
	r.str("MESHCHAT_MQTT_PREFIX", &cfg.MQTTPrefix)
	r.str("MESHCHAT_MQTT_DEVICE", &cfg.MQTTDevice)
	r.str("MESHCHAT_MQTT_PASSPHRASE", &cfg.MQTTPassphrase)
	r.str("MESHCHAT_MQTT_IDENTITY", &cfg.MQTTIdentity)
	r.str("MESHCHAT_MQTT_PEER_KEY", &cfg.MQTTPeerKey)
	r.str("MESHCHAT_LOG_LEVEL", &cfg.LogLevel)
	r.str("MESHCHAT_LOG_FORMAT", &cfg.LogFormat)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated and numeric settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBLE, BackendBlueZ, BackendSerial, BackendLoopback:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Framing {
	case "", "none", "length-prefixed", "framed":
	default:
		return fmt.Errorf("%w: unknown framing %q", ErrInvalid, c.Framing)
	}
	if c.Backend == BackendSerial && (c.Framing == "length-prefixed" || c.Framing == "framed") {
		// The serial link frames every write itself.
		return fmt.Errorf("%w: serial backend does not take session framing %q", ErrInvalid, c.Framing)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	if c.MTU < 0 || c.SerialBaud < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	if (c.MQTTIdentity == "") != (c.MQTTPeerKey == "") {
		return fmt.Errorf("%w: MQTT identity and peer key must be set together", ErrInvalid)
	}
	return nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) int(key string, dst *int) {
	v, ok := r.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return
	}
	*dst = n
}

func (r *reader) bool(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return
	}
	*dst = b
}

func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
		return
	}
	*dst = d
}
