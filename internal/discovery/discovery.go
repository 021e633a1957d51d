// Package discovery finds the photo-sync server on the local network by
// listening for its UDP broadcast announcement.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/metrics"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
	"github.com/tidwall/gjson"
)

const (
	// DefaultPort is both the broadcast port and the server's default TCP
	// port when the announcement omits one.
	DefaultPort = 50505

	// DefaultTimeout bounds one Discover call.
	DefaultTimeout = 10 * time.Second

	// ServiceName is the only accepted value of the announcement's
	// "service" field.
	ServiceName = "photosync"

	// DefaultServerName is used when the announcement has no serverName.
	DefaultServerName = "PhotoSync Server"

	// bufferSize is the receive buffer; longer datagrams are truncated
	// and then rejected as malformed.
	bufferSize = 1024
)

// Server is a discovered server endpoint.
type Server struct {
	IP   string
	Port int
	Name string
}

// Addr returns host:port for dialing.
func (s Server) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// ListenFunc opens the UDP socket Discover reads from.
type ListenFunc func(ctx context.Context, port int) (net.PacketConn, error)

// Config configures a Listener.
type Config struct {
	Port    int
	Timeout time.Duration
	// Listen overrides how the socket is opened. Nil binds udp4 on Port.
	Listen ListenFunc
}

// Listener receives server announcements.
type Listener struct {
	port    int
	timeout time.Duration
	listen  ListenFunc
	logger  *slog.Logger
}

// New returns a Listener, filling zero Config fields with defaults.
func New(cfg Config, logger *slog.Logger) *Listener {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Listen == nil {
		cfg.Listen = listenUDP
	}

	return &Listener{
		port:    cfg.Port,
		timeout: cfg.Timeout,
		listen:  cfg.Listen,
		logger:  logger,
	}
}

func listenUDP(ctx context.Context, port int) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(port))
}

// Discover waits up to the configured timeout for a valid announcement.
// Datagrams that do not parse are logged and skipped. When nothing valid
// arrives it returns (nil, nil): not finding a server is not an error.
// Errors are returned only for socket setup failures and cancellation.
func (l *Listener) Discover(ctx context.Context) (*Server, error) {
	pc, err := l.listen(ctx, l.port)
	if err != nil {
		metrics.DiscoveryTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("binding discovery port %d: %w", l.port, err)
	}
	defer pc.Close()

	if err := pc.SetReadDeadline(time.Now().Add(l.timeout)); err != nil {
		return nil, fmt.Errorf("setting discovery deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	l.logger.Debug("listening for server announcements",
		slog.Int("port", l.port),
		slog.Duration("timeout", l.timeout),
	)

	buf := make([]byte, bufferSize)

	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				metrics.DiscoveryTotal.WithLabelValues(metrics.ResultNotFound).Inc()
				l.logger.Debug("no server announcement before timeout")

				return nil, nil
			}

			metrics.DiscoveryTotal.WithLabelValues(metrics.ResultError).Inc()

			return nil, fmt.Errorf("reading discovery socket: %w", err)
		}

		srv, ok := ParseAnnouncement(buf[:n], src)
		if !ok {
			l.logger.Debug("ignoring datagram",
				slog.String("from", src.String()),
				slog.Int("bytes", n),
			)

			continue
		}

		metrics.DiscoveryTotal.WithLabelValues(metrics.ResultFound).Inc()
		l.logger.Info("discovered server",
			slog.String("name", srv.Name),
			slog.String("addr", srv.Addr()),
		)

		return &srv, nil
	}
}

// ParseAnnouncement decodes one datagram. It accepts either a DISCOVERY
// frame wrapping the JSON body or the bare JSON body. The body must carry
// service == "photosync"; a missing ip falls back to src.
func ParseAnnouncement(data []byte, src net.Addr) (Server, bool) {
	body := data

	if len(data) >= protocol.HeaderSize && data[0] == byte(protocol.Magic>>8) && data[1] == byte(protocol.Magic&0xFF) {
		p, err := protocol.Decode(data)
		if err != nil || p.Type() != protocol.TypeDiscovery {
			return Server{}, false
		}

		body = p.Payload
	}

	if !gjson.ValidBytes(body) {
		return Server{}, false
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Server{}, false
	}

	service := doc.Get("service")
	if service.Type != gjson.String || service.Str != ServiceName {
		return Server{}, false
	}

	srv := Server{
		IP:   doc.Get("ip").String(),
		Port: DefaultPort,
		Name: DefaultServerName,
	}

	if srv.IP == "" {
		srv.IP = hostOf(src)
	}

	if net.ParseIP(srv.IP) == nil {
		return Server{}, false
	}

	if port := doc.Get("port"); port.Exists() {
		p := int(port.Int())
		if port.Type != gjson.Number || p <= 0 || p > 65535 {
			return Server{}, false
		}

		srv.Port = p
	}

	if name := doc.Get("serverName").String(); name != "" {
		srv.Name = name
	}

	return srv, true
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return ""
		}

		return host
	}
}
