package e2e_test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/media"
	"github.com/alexjbarnes/photo-sync/internal/photosync"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
	"github.com/alexjbarnes/photo-sync/internal/state"
	"github.com/alexjbarnes/photo-sync/internal/transport"
	"github.com/stretchr/testify/require"
)

const (
	testToken    = "e2e-pairing-token"
	testDeviceID = "e2e-device"
	testChunk    = 16
)

// photoServer is a minimal in-process photo server speaking the wire
// protocol over real TCP. It stores every completed upload in memory.
type photoServer struct {
	t     *testing.T
	ln    net.Listener
	token string

	mu       sync.Mutex
	existing map[string]bool
	files    map[string][]byte
	accepted int
	sessions int
	conns    []net.Conn

	wg sync.WaitGroup
}

// startPhotoServer listens on a loopback port. existing lists content
// hashes the server already holds.
func startPhotoServer(t *testing.T, token string, existing ...string) *photoServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &photoServer{
		t:        t,
		ln:       ln,
		token:    token,
		existing: make(map[string]bool),
		files:    make(map[string][]byte),
	}

	for _, h := range existing {
		s.existing[h] = true
	}

	s.wg.Add(1)

	go s.serve()

	t.Cleanup(func() {
		ln.Close()

		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})

	return s
}

func (s *photoServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *photoServer) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[name]

	return data, ok
}

func (s *photoServer) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.files)
}

func (s *photoServer) Stats() (accepted, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted, s.sessions
}

func (s *photoServer) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer conn.Close()

			if err := s.handle(conn); err != nil && !isClosed(err) {
				s.t.Errorf("photo server: %v", err)
			}
		}()
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET)
}

// upload is the in-flight PHOTO transfer on one connection.
type upload struct {
	name string
	size int64
	hash string
	data []byte
}

func (s *photoServer) handle(conn net.Conn) error {
	r := bufio.NewReader(conn)

	var (
		cur          *upload
		checkPending bool
	)

	for {
		head, err := r.Peek(3)
		if err != nil {
			return err
		}

		if isFrame(head) {
			p, err := protocol.ReadPacket(r)
			if err != nil {
				return err
			}

			switch p.Type() {
			case protocol.TypeHeartbeat:
			case protocol.TypePairingRequest:
				if err := s.pair(conn, p); err != nil {
					return err
				}
			case protocol.TypeMetadata:
				if !checkPending {
					return fmt.Errorf("unexpected METADATA frame")
				}

				checkPending = false

				if err := s.checkHashes(conn, p); err != nil {
					return err
				}
			case protocol.TypeFileChunk:
				if cur == nil {
					return fmt.Errorf("FILE_CHUNK outside a transfer")
				}

				cur.data = append(cur.data, p.Payload...)
			case protocol.TypeTransferComplete:
				if cur == nil {
					return fmt.Errorf("TRANSFER_COMPLETE outside a transfer")
				}

				if err := s.complete(conn, cur); err != nil {
					return err
				}

				cur = nil
			default:
				return fmt.Errorf("unexpected frame %s", p.Type())
			}

			continue
		}

		raw, err := r.ReadString('\n')
		if err != nil {
			return err
		}

		fields := strings.Fields(raw)
		if len(fields) == 0 {
			return fmt.Errorf("empty command line")
		}

		var reply string

		switch fields[0] {
		case protocol.CmdHello:
			s.mu.Lock()
			s.sessions++
			id := s.sessions
			s.mu.Unlock()

			reply = "SESSION_START " + strconv.Itoa(id)
		case protocol.CmdBatchCheck:
			checkPending = true
		case protocol.CmdBeginBatch, protocol.CmdBatchEnd, protocol.CmdEndSession:
			reply = "ACK"
		case protocol.CmdPhoto:
			if len(fields) != 4 {
				return fmt.Errorf("malformed PHOTO: %q", raw)
			}

			size, _ := strconv.ParseInt(fields[2], 10, 64)

			s.mu.Lock()
			known := s.existing[fields[3]]
			s.mu.Unlock()

			if known {
				reply = "SKIP"
				break
			}

			cur = &upload{name: fields[1], size: size, hash: fields[3]}
			reply = "SEND"
		case protocol.CmdDataTransfer:
			if cur == nil {
				return fmt.Errorf("DATA_TRANSFER outside a transfer")
			}
		default:
			reply = "ERROR unknown command"
		}

		if reply != "" {
			if _, err := io.WriteString(conn, reply+"\n"); err != nil {
				return err
			}
		}
	}
}

func isFrame(head []byte) bool {
	return uint16(head[0])<<8|uint16(head[1]) == protocol.Magic && head[2] == protocol.Version
}

func (s *photoServer) pair(conn net.Conn, p protocol.Packet) error {
	var req protocol.PairingRequest
	if err := p.DecodeJSON(&req); err != nil {
		return err
	}

	resp := protocol.PairingResponse{Success: req.Token == s.token, SessionID: 1}
	if !resp.Success {
		resp.Message = "invalid pairing token"
	}

	out, err := protocol.NewJSONPacket(protocol.TypePairingResponse, resp)
	if err != nil {
		return err
	}

	return protocol.WritePacket(conn, out)
}

func (s *photoServer) checkHashes(conn net.Conn, p protocol.Packet) error {
	var req protocol.BatchCheckRequest
	if err := p.DecodeJSON(&req); err != nil {
		return err
	}

	found := []string{}

	s.mu.Lock()
	for _, h := range req.Hashes {
		if s.existing[h] {
			found = append(found, h)
		}
	}
	s.mu.Unlock()

	if _, err := io.WriteString(conn, "BATCH_RESULT "+strconv.Itoa(len(found))+"\n"); err != nil {
		return err
	}

	out, err := protocol.NewJSONPacket(protocol.TypeMetadata, protocol.BatchCheckResult{Status: "ok", ExistingHashes: found})
	if err != nil {
		return err
	}

	return protocol.WritePacket(conn, out)
}

func (s *photoServer) complete(conn net.Conn, u *upload) error {
	sum := sha256.Sum256(u.data)

	if int64(len(u.data)) != u.size || hex.EncodeToString(sum[:]) != u.hash {
		_, err := io.WriteString(conn, "ERROR hash mismatch\n")
		return err
	}

	s.mu.Lock()
	s.files[u.name] = u.data
	s.existing[u.hash] = true
	s.mu.Unlock()

	_, err := io.WriteString(conn, "ACK\n")

	return err
}

// harness is the client side: a media directory, a state database, and
// the sync service dialing the photo server over TCP.
type harness struct {
	MediaDir string
	State    *state.State
	Scanner  *media.Scanner
	Service  *photosync.Service
	Conns    *transport.Manager
}

func newHarness(t *testing.T, srv *photoServer, token string) *harness {
	t.Helper()

	dir := t.TempDir()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	library := media.NewLibrary(dir)

	orch := photosync.New(st, photosync.Config{
		DeviceID:  testDeviceID,
		Token:     token,
		Media:     library,
		BatchSize: 2,
		ChunkSize: testChunk,
		Reconcile: true,
	}, logger)

	conns := transport.NewManager(logger)
	t.Cleanup(func() { _ = conns.Clear() })

	dial := func(ctx context.Context, addr string) (*transport.Conn, error) {
		return transport.Dial(ctx, addr, transport.DialOptions{ConnectTimeout: 2 * time.Second, IOTimeout: 5 * time.Second})
	}

	svc := photosync.NewService(orch, conns, st, nil, dial, nil, photosync.ServiceConfig{
		StaticAddr: srv.Addr(),
		DeviceID:   testDeviceID,
		Token:      token,
		UserName:   "e2e",
	}, logger)

	return &harness{
		MediaDir: dir,
		State:    st,
		Scanner:  media.NewScanner(library, st, media.ScannerConfig{AutoSync: true}, logger),
		Service:  svc,
		Conns:    conns,
	}
}

// writeMedia creates rel under the media directory.
func (h *harness) writeMedia(t *testing.T, rel string, data []byte) {
	t.Helper()

	p := filepath.Join(h.MediaDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func (h *harness) scan(t *testing.T) media.ScanResult {
	t.Helper()

	res, err := h.Scanner.Scan(context.Background())
	require.NoError(t, err)

	return res
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// payload returns n deterministic bytes distinct per seed.
func payload(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}

	return b
}
