// Package daemon wires the scanner, executor and scheduler together from
// configuration and owns the process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethpandaops/segmentoor/pkg/compress"
	"github.com/ethpandaops/segmentoor/pkg/config"
	"github.com/ethpandaops/segmentoor/pkg/control"
	"github.com/ethpandaops/segmentoor/pkg/credential"
	"github.com/ethpandaops/segmentoor/pkg/metrics"
	"github.com/ethpandaops/segmentoor/pkg/scheduler"
	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/transfer"
	"github.com/ethpandaops/segmentoor/pkg/upload"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const lockFileName = "segmentoor.lock"

// ErrAlreadyRunning is returned by Start when another instance holds the
// lock file.
var ErrAlreadyRunning = errors.New("another segmentoor instance is already running")

// Daemon runs the upload loop and the optional control server.
type Daemon struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	scanner  *segment.Scanner
	executor *upload.Executor
	sched    *scheduler.Scheduler
	killable *transfer.Killable
	control  control.Server

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool           `json:"running"`
	Root         string         `json:"root"`
	LockFilePath string         `json:"lock_file"`
	Current      *segment.Task  `json:"current,omitempty"`
	Last         *upload.Result `json:"last,omitempty"`
}

// Components are the pieces New builds from configuration. Tests and
// embedders may override any of them.
type Components struct {
	Signer     credential.Signer
	Putter     transfer.Putter
	Compressor compress.Compressor
	HTTPClient *http.Client
}

// New validates cfg and builds all components.
func New(log logrus.FieldLogger, cfg *config.Config, overrides Components) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	log = log.WithField("component", "daemon")

	scanner := NewScanner(log, &cfg.Uploader)

	var m metrics.Metrics = metrics.Noop{}

	var prom *metrics.Prom

	if cfg.Metrics.Enabled {
		prom = metrics.NewProm(cfg.Metrics.Namespace)
		m = prom
	}

	signer := overrides.Signer
	if signer == nil {
		s, err := newSigner(log, cfg, overrides.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("creating signer: %w", err)
		}

		signer = s
	}

	putter := overrides.Putter
	if putter == nil {
		p, err := newTransport(log, &cfg.Transfer, overrides.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("creating transport: %w", err)
		}

		putter = p
	}

	d := &Daemon{
		log:      log,
		cfg:      cfg,
		scanner:  scanner,
		lockPath: lockPath(cfg),
	}

	if cfg.Transfer.Killable {
		d.killable = transfer.NewKillable(putter)
		putter = d.killable
	}

	compressor := overrides.Compressor
	if compressor == nil && cfg.Compression.Enabled {
		c, err := compress.NewCommand(
			log, cfg.Compression.Command, cfg.Compression.Nice, cfg.Uploader.TempSuffix,
		)
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %w", err)
		}

		compressor = c
	}

	d.executor = upload.NewExecutor(log, scanner, signer, putter, upload.Options{
		Compressor:       compressor,
		CompressedSuffix: cfg.Uploader.CompressedSuffix,
		Metrics:          m,
	})

	// Durations were checked by Validate.
	idle, _ := cfg.Uploader.IdleIntervalDuration()
	base, _ := cfg.Uploader.BackoffBaseDuration()
	ceiling, _ := cfg.Uploader.BackoffMaxDuration()

	d.sched = scheduler.New(log, scanner, d.executor, scheduler.Options{
		IdleInterval: idle,
		BackoffBase:  base,
		BackoffMax:   ceiling,
		Metrics:      m,
	})

	if cfg.Control.Enabled {
		opts := control.Options{}

		if d.killable != nil {
			opts.Aborter = d.killable
		}

		if prom != nil {
			opts.Metrics = prom.Handler()
		}

		d.control = control.NewServer(log, &cfg.Control, d.executor, opts)
	}

	return d, nil
}

// NewScanner builds a scanner from the uploader configuration.
func NewScanner(log logrus.FieldLogger, cfg *config.UploaderConfig) *segment.Scanner {
	return segment.NewScanner(log, cfg.Root, segment.Options{
		MarkerSuffix:     cfg.MarkerSuffix,
		TempSuffix:       cfg.TempSuffix,
		LogNames:         cfg.LogNames,
		CompressedSuffix: cfg.CompressedSuffix,
	})
}

func newSigner(log logrus.FieldLogger, cfg *config.Config, client *http.Client) (credential.Signer, error) {
	switch cfg.Credential.Method {
	case config.CredentialMethodS3:
		return credential.NewS3Signer(log, &cfg.Credential.S3)
	default:
		timeout, err := cfg.Credential.API.TimeoutDuration()
		if err != nil {
			return nil, err
		}

		return credential.NewAPISigner(log, cfg.Credential.API.Endpoint, credential.Identity{
			DongleID:     cfg.Identity.DongleID,
			DongleSecret: cfg.Identity.DongleSecret,
		}, timeout, client)
	}
}

func newTransport(log logrus.FieldLogger, cfg *config.TransferConfig, client *http.Client) (*transfer.Transport, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	bps, err := cfg.BandwidthBytes()
	if err != nil {
		return nil, err
	}

	return transfer.NewTransport(log, client, transfer.Options{
		Timeout:        timeout,
		BandwidthBytes: bps,
	}), nil
}

func lockPath(cfg *config.Config) string {
	if cfg.Global.LockFile != "" {
		return cfg.Global.LockFile
	}

	return filepath.Join(os.TempDir(), lockFileName)
}

// Start acquires the single-instance lock and launches the upload loop
// and, if enabled, the control server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return errors.New("daemon already running")
	}

	d.lock = flock.New(d.lockPath)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", d.lockPath, err)
	}

	if !ok {
		return ErrAlreadyRunning
	}

	if d.cfg.Uploader.ClearMarkersOnStart {
		removed, err := d.scanner.ClearMarkers()
		if err != nil {
			d.log.WithError(err).Warn("Failed to clear stale markers")
		} else {
			d.log.WithField("removed", removed).Info("Cleared stale markers")
		}
	}

	if d.control != nil {
		if err := d.control.Start(ctx); err != nil {
			_ = d.lock.Unlock()

			return fmt.Errorf("starting control server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return d.sched.Run(groupCtx)
	})

	if d.control != nil {
		group.Go(func() error {
			<-groupCtx.Done()

			if err := d.control.Stop(); err != nil {
				return fmt.Errorf("stopping control server: %w", err)
			}

			return nil
		})
	}

	d.cancel = cancel
	d.group = group
	d.running.Store(true)

	d.log.WithFields(logrus.Fields{
		"root":     d.cfg.Uploader.Root,
		"lock":     d.lockPath,
		"killable": d.killable != nil,
	}).Info("Daemon started")

	return nil
}

// Wait blocks until the upload loop and the control server have
// returned, e.g. after ctx passed to Start is cancelled.
func (d *Daemon) Wait() error {
	d.mu.Lock()
	group := d.group
	d.mu.Unlock()

	if group == nil {
		return nil
	}

	return group.Wait()
}

// Stop cancels the upload loop and the control server, aborts any
// transfer in flight if the transfer is killable, waits for both to exit
// and releases the lock.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return nil
	}

	d.cancel()

	if d.killable != nil && d.killable.Abort() {
		d.log.Info("Aborted in-flight transfer for shutdown")
	}

	err := d.group.Wait()

	if unlockErr := d.lock.Unlock(); unlockErr != nil {
		d.log.WithError(unlockErr).Warn("Failed to release daemon lock")
	}

	d.running.Store(false)
	d.log.Info("Daemon stopped")

	return err
}

// Abort forcibly ends the transfer in flight. It reports whether one was
// aborted; without a killable transfer it always returns false.
func (d *Daemon) Abort() bool {
	if d.killable == nil {
		return false
	}

	return d.killable.Abort()
}

// Status reports the daemon state and the current and last attempts.
func (d *Daemon) Status() Status {
	st := Status{
		Running:      d.running.Load(),
		Root:         d.cfg.Uploader.Root,
		LockFilePath: d.lockPath,
	}

	st.Current, _ = d.executor.Current()

	if last, ok := d.executor.LastResult(); ok {
		st.Last = &last
	}

	return st
}

// Control returns the control server, or nil when disabled.
func (d *Daemon) Control() control.Server {
	return d.control
}
