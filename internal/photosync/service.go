package photosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/discovery"
	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/ratelimit"
	"github.com/alexjbarnes/photo-sync/internal/transport"
)

// Discoverer locates a server. *discovery.Listener satisfies this
// interface. A nil server with a nil error means nothing was found.
type Discoverer interface {
	Discover(ctx context.Context) (*discovery.Server, error)
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (*transport.Conn, error)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// StaticAddr, when set, is always dialed and discovery is skipped.
	StaticAddr string

	DeviceID string
	Token    string
	UserName string

	// SyncInterval is the period between scheduled runs.
	SyncInterval time.Duration
}

// Service keeps a connection to the server and runs the orchestrator on
// a schedule or on demand.
type Service struct {
	orch     *Orchestrator
	conns    *transport.Manager
	store    Store
	disc     Discoverer
	dial     DialFunc
	discGate *ratelimit.Limiter
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time

	trigger chan struct{}
}

// NewService wires the engine together. discGate limits how often
// discovery broadcasts are awaited; it may be nil.
func NewService(orch *Orchestrator, conns *transport.Manager, store Store, disc Discoverer, dial DialFunc, discGate *ratelimit.Limiter, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}

	return &Service{
		orch:     orch,
		conns:    conns,
		store:    store,
		disc:     disc,
		dial:     dial,
		discGate: discGate,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a run as soon as possible. Calls made while a request
// is already pending are coalesced.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run performs a sync on every tick and trigger until ctx is cancelled.
// Individual run failures are logged, not returned.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			level := slog.LevelWarn
			if errors.Is(err, syncerr.ErrNotConnected) || errors.Is(err, syncerr.ErrRunInProgress) {
				level = slog.LevelDebug
			}

			s.logger.Log(ctx, level, "sync run did not complete", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			_ = s.conns.Clear()
			metrics.Connected.Set(0)

			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// SyncOnce connects if needed and performs one orchestrator run. The
// connection is dropped when the run leaves it unusable.
func (s *Service) SyncOnce(ctx context.Context) (Result, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return Result{}, err
	}

	conn, release, err := s.conns.Acquire()
	if err != nil {
		return Result{}, err
	}

	res, err := s.orch.Run(ctx, conn)
	release()

	if !conn.Connected() || (err != nil && Classify(ctx, err) == ClassProtocol) {
		s.logger.Info("dropping server connection", slog.String("server", conn.RemoteAddr()))
		_ = s.conns.Clear()
		metrics.Connected.Set(0)
	}

	return res, err
}

// ensureConnected installs a live, paired connection in the manager.
func (s *Service) ensureConnected(ctx context.Context) error {
	if s.conns.IsConnected() {
		return nil
	}

	_ = s.conns.Clear()
	metrics.Connected.Set(0)

	pairing, err := s.store.Pairing()
	if err != nil {
		return fmt.Errorf("loading pairing: %w", err)
	}

	paired := pairing != nil && pairing.IsPaired

	if !paired && s.cfg.Token == "" {
		return syncerr.ErrNotPaired
	}

	conn, srv, err := s.connect(ctx, pairing)
	if err != nil {
		return err
	}

	if paired && (srv.IP != pairing.ServerIP || srv.Port != pairing.ServerPort) {
		updated := *pairing
		updated.ServerIP, updated.ServerPort = srv.IP, srv.Port

		if srv.Name != "" {
			updated.ServerName = srv.Name
		}

		pairing = &updated
	}

	if !paired {
		s.logger.Info("pairing with server", slog.String("server", srv.Addr()))

		p, err := Pair(ctx, conn, s.store, PairRequest{
			DeviceID:   s.cfg.DeviceID,
			Token:      s.cfg.Token,
			UserName:   s.cfg.UserName,
			ServerIP:   srv.IP,
			ServerPort: srv.Port,
			ServerName: srv.Name,
		}, s.now())
		if err != nil {
			_ = conn.Close()
			return err
		}

		pairing = &p
	}

	pairing.LastConnected = s.now().UnixMilli()
	if err := s.store.SetPairing(*pairing); err != nil {
		s.logger.Warn("updating pairing record", slog.String("error", err.Error()))
	}

	if err := s.conns.Set(conn); err != nil {
		_ = conn.Close()
		return err
	}

	metrics.Connected.Set(1)
	s.logger.Info("connected to server", slog.String("server", srv.Addr()))

	return nil
}

// connect dials the static address, then the paired address, then
// whatever discovery finds.
func (s *Service) connect(ctx context.Context, pairing *models.ServerPairing) (*transport.Conn, discovery.Server, error) {
	if s.cfg.StaticAddr != "" {
		srv, err := serverFromAddr(s.cfg.StaticAddr)
		if err != nil {
			return nil, discovery.Server{}, err
		}

		conn, err := s.dial(ctx, s.cfg.StaticAddr)
		if err != nil {
			return nil, discovery.Server{}, err
		}

		return conn, srv, nil
	}

	if pairing != nil && pairing.IsPaired && pairing.ServerIP != "" {
		srv := discovery.Server{IP: pairing.ServerIP, Port: pairing.ServerPort, Name: pairing.ServerName}

		conn, err := s.dial(ctx, srv.Addr())
		if err == nil {
			return conn, srv, nil
		}

		s.logger.Debug("paired server unreachable, trying discovery",
			slog.String("server", srv.Addr()),
			slog.String("error", err.Error()),
		)
	}

	if s.disc == nil {
		return nil, discovery.Server{}, fmt.Errorf("%w: no server address", syncerr.ErrNotConnected)
	}

	if s.discGate != nil && !s.discGate.TryAcquire() {
		return nil, discovery.Server{}, fmt.Errorf("%w: discovery rate limited", syncerr.ErrNotConnected)
	}

	found, err := s.disc.Discover(ctx)
	if err != nil {
		return nil, discovery.Server{}, fmt.Errorf("discovering server: %w", err)
	}

	if found == nil {
		return nil, discovery.Server{}, fmt.Errorf("%w: no server found", syncerr.ErrNotConnected)
	}

	conn, err := s.dial(ctx, found.Addr())
	if err != nil {
		return nil, discovery.Server{}, err
	}

	return conn, *found, nil
}

func serverFromAddr(addr string) (discovery.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return discovery.Server{}, fmt.Errorf("parsing server address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return discovery.Server{}, fmt.Errorf("parsing server port %q: %w", portStr, err)
	}

	return discovery.Server{IP: host, Port: port}, nil
}
