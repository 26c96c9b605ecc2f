// Package dede assembles a runnable depeche node from its parts: config,
// logging, storage, and the local network adapter.
package dede

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a depeche node. The env struct tag
// holds the environment variable name and the default applied when the
// variable is missing. With the = separator an empty value also reverts to
// the default; with ?= an empty value is kept as empty. String lists are
// comma-separated.
type Config struct {
	// The alias offered to new contacts during rendezvous.
	Alias string `env:"DEPECHE_ALIAS?=anonymous"`

	// Path to the sqlite database. A leading ~ expands to the home
	// directory.
	DBPath string `env:"DEPECHE_DB?=~/.depeche/depeche.db"`

	// Keep all state in memory instead of sqlite. Nothing survives exit.
	Ephemeral bool `env:"DEPECHE_EPHEMERAL"`

	// The UDP port announcements are sent to and listened for on.
	BroadcastPort uint16 `env:"DEPECHE_BROADCAST_PORT=27272"`

	// Announcement destinations (ip:port, comma-separated). Defaults to the
	// limited broadcast address on BroadcastPort.
	AnnounceAddrs []string `env:"DEPECHE_ANNOUNCE_ADDRS"`

	// First TCP ports tried when binding the exchange and rendezvous
	// servers. Up to ten consecutive ports are probed from each base.
	ExchangeBasePort   uint16 `env:"DEPECHE_EXCHANGE_BASE_PORT=27272"`
	RendezvousBasePort uint16 `env:"DEPECHE_RENDEZVOUS_BASE_PORT=27273"`

	// The address TCP servers bind to. Defaults to the wildcard address.
	BindAddr netip.Addr `env:"DEPECHE_BIND_ADDR"`

	// Wall-clock budget for one rendezvous attempt.
	RendezvousTimeout time.Duration `env:"DEPECHE_RENDEZVOUS_TIMEOUT=30s"`

	// How long one advertising window keeps accepting exchange connections,
	// and how often a new window opens while the node runs.
	AdvertiseWindow   time.Duration `env:"DEPECHE_ADVERTISE_WINDOW=30s"`
	AdvertiseInterval time.Duration `env:"DEPECHE_ADVERTISE_INTERVAL=5m"`

	// How many addresses a fresh pad carries.
	PadSize int `env:"DEPECHE_PAD_SIZE=10"`

	// How many times one message is forwarded on before it stops gossiping.
	ForwardCap int `env:"DEPECHE_FORWARD_CAP=3"`

	// The minimum log level (e.g., trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"DEPECHE_LOG_LEVEL=info"`

	// Whether to use pretty console logs instead of JSON.
	LogPretty bool `env:"DEPECHE_LOG_PRETTY=true"`
}

// UnmarshalEnv updates c from the provided environment list. With incremental
// set, variables absent from es keep their current values instead of
// reverting to defaults.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "DEPECHE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		// get the default value, and check if it can be explicitly set to an
		// empty value
		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.Addr:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.Addr{}))
			} else if v, err := netip.ParseAddr(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
