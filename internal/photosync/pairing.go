package photosync

import (
	"context"
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/models"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
)

// PairRequest is what the client presents when pairing.
type PairRequest struct {
	DeviceID   string
	Token      string
	UserName   string
	ServerIP   string
	ServerPort int
	ServerName string
}

// Pair runs the PAIRING_REQUEST / PAIRING_RESPONSE exchange on t and, on
// success, overwrites the stored ServerPairing. Heartbeats arriving
// before the response are skipped.
func Pair(ctx context.Context, t Transport, store Store, req PairRequest, now time.Time) (models.ServerPairing, error) {
	p, err := protocol.NewJSONPacket(protocol.TypePairingRequest, protocol.PairingRequest{
		DeviceID: req.DeviceID,
		Token:    req.Token,
		UserName: req.UserName,
	})
	if err != nil {
		return models.ServerPairing{}, err
	}

	if err := t.WritePacket(ctx, p); err != nil {
		return models.ServerPairing{}, fmt.Errorf("sending PAIRING_REQUEST: %w", err)
	}

	resp, err := readSkippingHeartbeats(ctx, t)
	if err != nil {
		return models.ServerPairing{}, fmt.Errorf("reading pairing response: %w", err)
	}

	switch resp.Type() {
	case protocol.TypePairingResponse:
	case protocol.TypeProtocolError:
		return models.ServerPairing{}, fmt.Errorf("%w: %s", syncerr.ErrPairingRejected, protocol.ErrorMessage(resp))
	default:
		return models.ServerPairing{}, fmt.Errorf("%w: expected PAIRING_RESPONSE, got %s", syncerr.ErrProtocol, resp.Type())
	}

	var pr protocol.PairingResponse
	if err := resp.DecodeJSON(&pr); err != nil {
		return models.ServerPairing{}, err
	}

	if !pr.Success {
		return models.ServerPairing{}, fmt.Errorf("%w: %s", syncerr.ErrPairingRejected, pr.Message)
	}

	pairing := models.ServerPairing{
		ServerIP:      req.ServerIP,
		ServerPort:    req.ServerPort,
		ServerName:    req.ServerName,
		DeviceID:      req.DeviceID,
		IsPaired:      true,
		LastConnected: now.UnixMilli(),
	}

	if err := store.SetPairing(pairing); err != nil {
		return models.ServerPairing{}, fmt.Errorf("saving pairing: %w", err)
	}

	return pairing, nil
}

// Unpair clears the stored ServerPairing.
func Unpair(store Store) error {
	if err := store.ClearPairing(); err != nil {
		return fmt.Errorf("clearing pairing: %w", err)
	}

	return nil
}

// maxSkippedHeartbeats bounds how many HEARTBEAT frames are skipped while
// waiting for a response.
const maxSkippedHeartbeats = 16

func readSkippingHeartbeats(ctx context.Context, t Transport) (protocol.Packet, error) {
	for range maxSkippedHeartbeats {
		p, err := t.ReadPacket(ctx)
		if err != nil {
			return protocol.Packet{}, err
		}

		if p.Type() != protocol.TypeHeartbeat {
			return p, nil
		}
	}

	return protocol.Packet{}, fmt.Errorf("%w: only heartbeats received", syncerr.ErrProtocol)
}
