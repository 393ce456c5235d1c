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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spoolq.toml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
hostname = "mx.example.org"

[spool]
path = "/tmp/spool"
max_linger = "2d"
queue_interval = "90s"
min_free_space = "32M"

[workers]
max_concurrent = 10
max_sequential = 20

[[defer.window]]
day = 6
start = 1
end = 5

[directory]
driver = "static"
[directory.static]
"bob@example.org" = "L/var/mail/bob"

[store]
mode = "blob"
blob = "s3"
[store.s3]
endpoint = "s3.example.org"
bucket = "mail"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "mx.example.org" {
		t.Error("hostname:", cfg.Hostname)
	}
	if cfg.Spool.MaxLinger.D() != 48*time.Hour {
		t.Error("max_linger:", cfg.Spool.MaxLinger.D())
	}
	if cfg.Spool.QueueInterval.D() != 90*time.Second {
		t.Error("queue_interval:", cfg.Spool.QueueInterval.D())
	}
	if cfg.Spool.MinFreeSpace != 32*1024*1024 {
		t.Error("min_free_space:", cfg.Spool.MinFreeSpace)
	}
	if cfg.Workers.MaxConcurrent != 10 || cfg.Workers.MaxSequential != 20 {
		t.Error("workers:", cfg.Workers)
	}
	if len(cfg.Defer.Windows) != 1 || cfg.Defer.Windows[0] != (Window{Day: 6, Start: 1, End: 5}) {
		t.Error("defer windows:", cfg.Defer.Windows)
	}
	if cfg.Directory.Static["bob@example.org"] != "L/var/mail/bob" {
		t.Error("static directory:", cfg.Directory.Static)
	}
	if cfg.Store.S3.Bucket != "mail" {
		t.Error("s3 bucket:", cfg.Store.S3.Bucket)
	}

	// Untouched values keep their defaults.
	if cfg.Agents.MaxErrors != Default().Agents.MaxErrors {
		t.Error("agents.max_errors:", cfg.Agents.MaxErrors)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal("Default config is invalid:", err)
	}
	if cfg.Workers.Burst != 32 {
		t.Error("burst:", cfg.Workers.Burst)
	}
	if cfg.Workers.BurstPause.D() != 55*time.Millisecond {
		t.Error("burst_pause:", cfg.Workers.BurstPause.D())
	}
	if cfg.Workers.MaxConcurrent != 50 || cfg.Workers.MaxSequential != 100 {
		t.Error("worker limits:", cfg.Workers.MaxConcurrent, cfg.Workers.MaxSequential)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
hostname = "mx.example.org"
[spool]
max_lingr = "2d"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "spool.max_lingr") {
		t.Error("error does not name the key:", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[spool]
max_linger = "forever"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"sequential below concurrent", func(c *Config) { c.Workers.MaxSequential = 1 }},
		{"zero concurrency", func(c *Config) { c.Workers.MaxConcurrent = 0 }},
		{"defer day", func(c *Config) { c.Defer.Windows = []Window{{Day: 7, Start: 0, End: 1}} }},
		{"defer hour", func(c *Config) { c.Defer.Windows = []Window{{Day: 1, Start: 0, End: 25}} }},
		{"file directory without path", func(c *Config) { c.Directory.Driver = "file" }},
		{"sql without query", func(c *Config) {
			c.Directory.Driver = "sql"
			c.Directory.SQLDriver = "sqlite3"
			c.Directory.DSN = "dir.db"
		}},
		{"unknown driver", func(c *Config) { c.Directory.Driver = "ldap" }},
		{"blob without root", func(c *Config) { c.Store.Mode = "blob" }},
		{"unknown store", func(c *Config) { c.Store.Mode = "imap" }},
		{"forward without address", func(c *Config) { c.Forward.UndeliverableEnabled = true }},
		{"trust without proxy", func(c *Config) { c.Listen.Trust = []string{"10.0.0.1"} }},
		{"bad endpoint", func(c *Config) { c.Listen.Ctl = []string{"tcp://"} }},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal("defaults are invalid:", err)
	}
}
