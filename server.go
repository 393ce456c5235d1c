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

package spoolq

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	fwconfig "github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/config"
	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/dsn"
	"github.com/foxcpp/spoolq/internal/endpoint/openmetrics"
	"github.com/foxcpp/spoolq/internal/endpoint/qctl"
	"github.com/foxcpp/spoolq/internal/limits"
	"github.com/foxcpp/spoolq/internal/limits/limiters"
	"github.com/foxcpp/spoolq/internal/proxy_protocol"
	"github.com/foxcpp/spoolq/internal/pushagent"
	"github.com/foxcpp/spoolq/internal/queue"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/spooldb"
	"github.com/foxcpp/spoolq/internal/storage/blob"
	"github.com/foxcpp/spoolq/internal/storage/blob/fs"
	"github.com/foxcpp/spoolq/internal/storage/blob/s3"
	"github.com/foxcpp/spoolq/internal/storeclient"
)

// server holds everything started by the run command.
type server struct {
	log log.Logger

	engine  *queue.Engine
	ctl     *qctl.Endpoint
	metrics *openmetrics.Endpoint

	closers []io.Closer
}

// DeferralFromConfig converts [defer] windows into the engine form. A
// later window for the same day replaces an earlier one.
func DeferralFromConfig(d config.Defer) queue.Deferral {
	res := queue.Deferral{Enabled: d.Enabled}
	for _, w := range d.Windows {
		res.Days[w.Day] = queue.Window{Start: w.Start, End: w.End}
	}
	return res
}

func openDirectory(cfg config.Directory, logger log.Logger) (directory.Resolver, io.Closer, error) {
	switch cfg.Driver {
	case "file":
		f, err := directory.NewFile(cfg.File, logger)
		if err != nil {
			return nil, nil, err
		}
		return directory.TableResolver{Table: f}, f, nil
	case "sql":
		db, err := directory.NewSQL(directory.SQLConfig{
			Driver:      cfg.SQLDriver,
			DSN:         cfg.DSN,
			Init:        cfg.Init,
			Lookup:      cfg.Lookup,
			Table:       cfg.Table,
			KeyColumn:   cfg.KeyColumn,
			ValueColumn: cfg.ValueColumn,
		})
		if err != nil {
			return nil, nil, err
		}
		return directory.TableResolver{Table: db}, db, nil
	default:
		return directory.TableResolver{Table: directory.Static(cfg.Static)}, nil, nil
	}
}

func openBlobStore(cfg config.Store, logger log.Logger) (blob.Store, error) {
	switch cfg.Blob {
	case "s3":
		return s3.New(s3.Config{
			Endpoint:     cfg.S3.Endpoint,
			Secure:       cfg.S3.Secure,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			ObjectPrefix: cfg.S3.Prefix,
			Creds:        cfg.S3.Creds,
		}, logger)
	default:
		return fs.New(cfg.FSRoot)
	}
}

// ctlPort returns the port of the first TCP command endpoint.
func ctlPort(eps []fwconfig.Endpoint) uint16 {
	for _, ep := range eps {
		if ep.Network() != "tcp" {
			continue
		}
		port, err := strconv.ParseUint(ep.Port, 10, 16)
		if err == nil {
			return uint16(port)
		}
	}
	return 0
}

func newServer(cfg config.Config, logger log.Logger) (_ *server, err error) {
	s := &server{log: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := os.MkdirAll(cfg.Spool.Path, 0o700); err != nil {
		return nil, err
	}
	sp, err := spool.New(cfg.Spool.Path, logger.Sublogger("spool"))
	if err != nil {
		return nil, err
	}

	dir, dirCloser, err := openDirectory(cfg.Directory, logger.Sublogger("directory"))
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	if dirCloser != nil {
		s.closers = append(s.closers, dirCloser)
	}

	storeCfg := storeclient.Config{
		User:         cfg.Store.User,
		Password:     cfg.Store.Password,
		LocalAddress: cfg.Store.LocalAddress,
		SharedSpool:  cfg.Store.SharedSpool,
		DialTimeout:  cfg.Workers.DialTimeout.D(),
		IOTimeout:    cfg.Workers.IOTimeout.D(),
	}
	if cfg.Store.Mode == "blob" {
		storeCfg.Blob, err = openBlobStore(cfg.Store, logger.Sublogger("blob"))
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
	}

	composer := &dsn.Composer{
		Hostname:       cfg.Hostname,
		Postmaster:     cfg.Postmaster,
		MaxLinger:      cfg.Spool.MaxLinger.D(),
		MaxBodySize:    int64(cfg.Bounce.MaxBodySize),
		QuotaMessage:   cfg.Bounce.QuotaMessage,
		ReturnToSender: cfg.Bounce.ReturnToSender,
		CCPostmaster:   cfg.Bounce.CCPostmaster,
	}
	if cfg.Bounce.BlockSpam {
		composer.Guard = limiters.NewWindow(cfg.Bounce.Max, cfg.Bounce.Interval.D())
	}

	agents := pushagent.New(cfg.Agents.Path, logger.Sublogger("agents"))
	agents.MaxErrors = cfg.Agents.MaxErrors

	var index *spooldb.DB
	if cfg.Spool.Index {
		index, err = spooldb.Open(filepath.Join(cfg.Spool.StateDir, "qdb.db"), logger.Sublogger("index"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, index)
	}

	ctlEndpoints, err := fwconfig.ParseEndpoints(cfg.Listen.Ctl)
	if err != nil {
		return nil, err
	}
	metricsEndpoints, err := fwconfig.ParseEndpoints(cfg.Listen.Metrics)
	if err != nil {
		return nil, err
	}

	qcfg := queue.Config{
		Hostname:      cfg.Hostname,
		StateDir:      cfg.Spool.StateDir,
		MaxLinger:     cfg.Spool.MaxLinger.D(),
		QueueInterval: cfg.Spool.QueueInterval.D(),
		StartupDelay:  cfg.Spool.StartupDelay.D(),
		MaxConcurrent: cfg.Workers.MaxConcurrent,
		MaxSequential: cfg.Workers.MaxSequential,
		Burst:         cfg.Workers.Burst,
		BurstPause:    cfg.Workers.BurstPause.D(),
		MinFreeSpace:  uint64(cfg.Spool.MinFreeSpace),
		Defer:         DeferralFromConfig(cfg.Defer),
		CtlPort:       ctlPort(ctlEndpoints),
		DialTimeout:   cfg.Workers.DialTimeout.D(),
		IOTimeout:     cfg.Workers.IOTimeout.D(),
	}
	if cfg.Forward.UndeliverableEnabled {
		qcfg.ForwardUndeliverable = cfg.Forward.UndeliverableAddress
	}

	s.engine, err = queue.New(qcfg, queue.Components{
		Spool:     sp,
		Agents:    agents,
		Store:     storeclient.New(storeCfg, logger.Sublogger("store")),
		Directory: dir,
		DSN:       composer,
		Index:     index,
	}, logger.Sublogger("queue"))
	if err != nil {
		return nil, err
	}
	if err := s.engine.Recover(); err != nil {
		return nil, err
	}

	ctlCfg := qctl.Config{
		Hostname:  cfg.Hostname,
		Endpoints: ctlEndpoints,
		Limits: limits.Config{
			MaxSessions:      cfg.Listen.MaxSessions,
			MaxSessionsPerIP: cfg.Listen.MaxSessionsPerIP,
		},
		IOTimeout: cfg.Workers.IOTimeout.D(),
	}
	if cfg.Listen.ProxyProtocol {
		ctlCfg.ProxyProtocol, err = proxy_protocol.New(cfg.Listen.Trust)
		if err != nil {
			return nil, err
		}
	}
	s.ctl = qctl.New(ctlCfg, sp, s.engine, logger.Sublogger("ctl"))
	if err := s.ctl.Listen(); err != nil {
		return nil, err
	}

	if len(metricsEndpoints) != 0 {
		s.metrics = openmetrics.New(metricsEndpoints, logger.Sublogger("openmetrics"))
		if err := s.metrics.Listen(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// close stops the endpoints and the engine and then releases the
// remaining resources.
func (s *server) close() {
	if s.ctl != nil {
		if err := s.ctl.Close(); err != nil {
			s.log.Error("ctl endpoint close failed", err)
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			s.log.Error("metrics endpoint close failed", err)
		}
	}
	if s.engine != nil {
		s.engine.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.log.Error("close failed", err)
		}
	}
	s.closers = nil
}
