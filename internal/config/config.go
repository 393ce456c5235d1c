/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config reads the TOML configuration file of the queue.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	fwconfig "github.com/foxcpp/spoolq/framework/config"
)

// Duration is a time.Duration read from strings such as "4d" or "90m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := fwconfig.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// DataSize is a byte count read from strings such as "16M".
type DataSize int64

func (s *DataSize) UnmarshalText(text []byte) error {
	n, err := fwconfig.ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*s = DataSize(n)
	return nil
}

func (s DataSize) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprint(int64(s))), nil
}

type Config struct {
	Hostname   string `toml:"hostname"`
	Postmaster string `toml:"postmaster"`

	Spool     Spool     `toml:"spool"`
	Workers   Workers   `toml:"workers"`
	Defer     Defer     `toml:"defer"`
	Bounce    Bounce    `toml:"bounce"`
	Forward   Forward   `toml:"forward"`
	Directory Directory `toml:"directory"`
	Store     Store     `toml:"store"`
	Agents    Agents    `toml:"agents"`
	Listen    Listen    `toml:"listen"`
	Log       Log       `toml:"log"`
}

type Spool struct {
	Path     string `toml:"path"`
	StateDir string `toml:"state_dir"`
	// Index enables the domain index used by QSRCH DOMAIN.
	Index bool `toml:"index"`

	MinFreeSpace  DataSize `toml:"min_free_space"`
	MaxLinger     Duration `toml:"max_linger"`
	QueueInterval Duration `toml:"queue_interval"`
	StartupDelay  Duration `toml:"startup_delay"`
}

type Workers struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	MaxSequential int      `toml:"max_sequential"`
	Burst         int      `toml:"burst"`
	BurstPause    Duration `toml:"burst_pause"`
	DialTimeout   Duration `toml:"dial_timeout"`
	IOTimeout     Duration `toml:"io_timeout"`
}

type Window struct {
	// Day is 0 for Sunday through 6 for Saturday.
	Day   int `toml:"day"`
	Start int `toml:"start"`
	End   int `toml:"end"`
}

type Defer struct {
	Enabled bool     `toml:"enabled"`
	Windows []Window `toml:"window"`
}

type Bounce struct {
	ReturnToSender bool `toml:"return_to_sender"`
	CCPostmaster   bool `toml:"cc_postmaster"`
	// BlockSpam enables the notification rate guard: at most Max
	// notifications per Interval.
	BlockSpam    bool     `toml:"block_spam"`
	Interval     Duration `toml:"interval"`
	Max          int      `toml:"max"`
	MaxBodySize  DataSize `toml:"max_body_size"`
	QuotaMessage string   `toml:"quota_message"`
}

type Forward struct {
	UndeliverableEnabled bool   `toml:"undeliverable_enabled"`
	UndeliverableAddress string `toml:"undeliverable_address"`
}

type Directory struct {
	// Driver is one of "static", "file" and "sql".
	Driver string `toml:"driver"`
	File   string `toml:"file"`

	SQLDriver   string   `toml:"sql_driver"`
	DSN         string   `toml:"dsn"`
	Init        []string `toml:"init"`
	Lookup      string   `toml:"lookup"`
	Table       string   `toml:"table"`
	KeyColumn   string   `toml:"key_column"`
	ValueColumn string   `toml:"value_column"`

	Static map[string]string `toml:"static"`
}

type S3 struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Secure    bool   `toml:"secure"`
	Region    string `toml:"region"`
	Prefix    string `toml:"prefix"`
	Creds     string `toml:"creds"`
}

type Store struct {
	// Mode is "nmap" for store servers or "blob" for object storage.
	Mode         string `toml:"mode"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	LocalAddress string `toml:"local_address"`
	SharedSpool  bool   `toml:"shared_spool"`

	// Blob is "fs" or "s3".
	Blob   string `toml:"blob"`
	FSRoot string `toml:"fs_root"`
	S3     S3     `toml:"s3"`
}

type Agents struct {
	Path      string `toml:"path"`
	MaxErrors int    `toml:"max_errors"`
}

type Listen struct {
	Ctl              []string `toml:"ctl"`
	Metrics          []string `toml:"metrics"`
	ProxyProtocol    bool     `toml:"proxy_protocol"`
	Trust            []string `toml:"trust"`
	MaxSessions      int      `toml:"max_sessions"`
	MaxSessionsPerIP int      `toml:"max_sessions_per_ip"`
}

type Log struct {
	Targets []string `toml:"targets"`
	Debug   bool     `toml:"debug"`
}

// Default returns the configuration used for everything the file does
// not set.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	state := fwconfig.StateDirectory

	return Config{
		Hostname:   hostname,
		Postmaster: "postmaster",
		Spool: Spool{
			Path:          filepath.Join(state, "spool"),
			StateDir:      state,
			MinFreeSpace:  16 * 1024 * 1024,
			MaxLinger:     Duration(4 * 24 * time.Hour),
			QueueInterval: Duration(4 * time.Minute),
		},
		Workers: Workers{
			MaxConcurrent: 50,
			MaxSequential: 100,
			Burst:         32,
			BurstPause:    Duration(55 * time.Millisecond),
			DialTimeout:   Duration(30 * time.Second),
			IOTimeout:     Duration(5 * time.Minute),
		},
		Bounce: Bounce{
			ReturnToSender: true,
			Interval:       Duration(time.Minute),
			Max:            100,
			MaxBodySize:    64 * 1024,
		},
		Directory: Directory{
			Driver: "static",
		},
		Store: Store{
			Mode:         "nmap",
			LocalAddress: "127.0.0.1:689",
			Blob:         "fs",
		},
		Agents: Agents{
			Path:      filepath.Join(state, "agents"),
			MaxErrors: 25,
		},
		Listen: Listen{
			Ctl:              []string{"tcp://127.0.0.1:8670"},
			MaxSessionsPerIP: 64,
		},
		Log: Log{
			Targets: []string{"stderr"},
		},
	}
}

// Load reads the file at path on top of Default and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Hostname == "" {
		return errors.New("config: hostname is required")
	}
	if cfg.Spool.Path == "" {
		return errors.New("config: spool.path is required")
	}
	if cfg.Spool.MaxLinger <= 0 {
		return errors.New("config: spool.max_linger must be positive")
	}

	w := cfg.Workers
	if w.MaxConcurrent <= 0 {
		return errors.New("config: workers.max_concurrent must be positive")
	}
	if w.MaxSequential < w.MaxConcurrent {
		return errors.New("config: workers.max_sequential must not be below workers.max_concurrent")
	}
	if w.Burst < 0 {
		return errors.New("config: workers.burst must not be negative")
	}

	for _, win := range cfg.Defer.Windows {
		if win.Day < 0 || win.Day > 6 {
			return fmt.Errorf("config: defer window day %d out of range 0..6", win.Day)
		}
		if win.Start < 0 || win.Start > 24 || win.End < 0 || win.End > 24 {
			return fmt.Errorf("config: defer window %d-%d outside 0..24", win.Start, win.End)
		}
	}

	if cfg.Bounce.BlockSpam && (cfg.Bounce.Max <= 0 || cfg.Bounce.Interval <= 0) {
		return errors.New("config: bounce.block_spam needs positive bounce.max and bounce.interval")
	}
	if cfg.Forward.UndeliverableEnabled && cfg.Forward.UndeliverableAddress == "" {
		return errors.New("config: forward.undeliverable_address is required")
	}

	switch cfg.Directory.Driver {
	case "static":
	case "file":
		if cfg.Directory.File == "" {
			return errors.New("config: directory.file is required")
		}
	case "sql":
		if cfg.Directory.SQLDriver == "" || cfg.Directory.DSN == "" {
			return errors.New("config: directory.sql_driver and directory.dsn are required")
		}
		if cfg.Directory.Lookup == "" && cfg.Directory.Table == "" {
			return errors.New("config: directory.lookup or directory.table is required")
		}
	default:
		return fmt.Errorf("config: unknown directory driver: %q", cfg.Directory.Driver)
	}

	switch cfg.Store.Mode {
	case "nmap":
	case "blob":
		switch cfg.Store.Blob {
		case "fs":
			if cfg.Store.FSRoot == "" {
				return errors.New("config: store.fs_root is required")
			}
		case "s3":
			if cfg.Store.S3.Endpoint == "" || cfg.Store.S3.Bucket == "" {
				return errors.New("config: store.s3.endpoint and store.s3.bucket are required")
			}
		default:
			return fmt.Errorf("config: unknown blob store: %q", cfg.Store.Blob)
		}
	default:
		return fmt.Errorf("config: unknown store mode: %q", cfg.Store.Mode)
	}

	if len(cfg.Listen.Trust) != 0 && !cfg.Listen.ProxyProtocol {
		return errors.New("config: listen.trust is set but listen.proxy_protocol is off")
	}
	if _, err := fwconfig.ParseEndpoints(cfg.Listen.Ctl); err != nil {
		return fmt.Errorf("config: listen.ctl: %w", err)
	}
	if _, err := fwconfig.ParseEndpoints(cfg.Listen.Metrics); err != nil {
		return fmt.Errorf("config: listen.metrics: %w", err)
	}
	return nil
}
