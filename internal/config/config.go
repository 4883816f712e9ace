// Package config holds server settings with their defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/and161185/netsketch/internal/session"
)

// Config is the complete server configuration.
type Config struct {
	Addr              string        // TCP listen address
	MaxClients        int           // global connection cap, 0 = unlimited
	MaxClientsPerAddr int           // per remote host cap, 0 = unlimited
	InactivityTimeout time.Duration // idle sessions are evicted after this
	ReconnectTimeout  time.Duration // grace window before buffered commands are adopted
	TickInterval      time.Duration // reactor tick that drives the sweep
	SweepInterval     time.Duration // independent sweep timer
	WriteTimeout      time.Duration // per write deadline on a peer connection
	OutboundQueue     int           // buffered lines per peer before it is evicted
	MaxLineBytes      int

	// DisconnectOnInvalid restores the historical behaviour of dropping a client on a bad line.
	DisconnectOnInvalid bool

	AdminAddr  string // HTTP admin listener, empty = disabled
	GRPCAddr   string // gRPC health listener, empty = disabled
	JournalDSN string // PostgreSQL audit journal, empty = disabled
	Dev        bool
	Trace      bool // print dispatch spans to stderr
}

// Default returns the reference settings.
func Default() Config {
	return Config{
		Addr:              ":6001",
		MaxClients:        100,
		MaxClientsPerAddr: 0,
		InactivityTimeout: 1800 * time.Second,
		ReconnectTimeout:  60 * time.Second,
		TickInterval:      time.Second,
		SweepInterval:     10 * time.Second,
		WriteTimeout:      5 * time.Second,
		OutboundQueue:     1024,
		MaxLineBytes:      64 * 1024,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: empty listen address")
	case c.MaxClients < 0 || c.MaxClientsPerAddr < 0:
		return errors.New("config: negative connection cap")
	case c.InactivityTimeout <= 0:
		return fmt.Errorf("config: inactivity timeout %v must be positive", c.InactivityTimeout)
	case c.ReconnectTimeout < 0:
		return fmt.Errorf("config: reconnect timeout %v must not be negative", c.ReconnectTimeout)
	case c.TickInterval <= 0 || c.SweepInterval <= 0:
		return errors.New("config: tick and sweep intervals must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("config: write timeout must be positive")
	case c.OutboundQueue <= 0:
		return errors.New("config: outbound queue must be positive")
	case c.MaxLineBytes < 64:
		return errors.New("config: max line bytes too small")
	}
	return nil
}

// Session extracts the registry settings.
func (c Config) Session() session.Config {
	return session.Config{
		InactivityTimeout: c.InactivityTimeout,
		ReconnectTimeout:  c.ReconnectTimeout,
	}
}
