package agent

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/stream"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// invalidContentBan is how long a peer that streamed undecodable data is
// refused
const invalidContentBan = 10 * time.Minute

// ProtocolHandler is the history protocol as seen by the router
type ProtocolHandler interface {
	HandleRequest(ctx context.Context, from *enode.Node, payload []byte) ([]byte, error)
	HandleStream(ctx context.Context, from *enode.Node, connID uint16, payload []byte) error
}

// MessageRouter sits between the messenger and the protocol. It enforces
// per-peer rate limits and blacklisting and records contact with the sender.
type MessageRouter struct {
	protocol ProtocolHandler
	table    *dht.RoutingTable
	security *dht.SecurityManager
}

// NewMessageRouter creates a message router
func NewMessageRouter(protocol ProtocolHandler, table *dht.RoutingTable, security *dht.SecurityManager) *MessageRouter {
	return &MessageRouter{
		protocol: protocol,
		table:    table,
		security: security,
	}
}

// HandleRequest implements transport.Handler
func (mr *MessageRouter) HandleRequest(ctx context.Context, from *enode.Node, payload []byte) ([]byte, error) {
	if err := mr.admit(from); err != nil {
		return nil, err
	}
	return mr.protocol.HandleRequest(ctx, from, payload)
}

// HandleStream implements transport.Handler
func (mr *MessageRouter) HandleStream(ctx context.Context, from *enode.Node, connID uint16, payload []byte) error {
	if mr.security.IsBlacklisted(from.ID()) {
		return wire.ErrRateLimit(uint32(invalidContentBan / time.Second))
	}
	err := mr.protocol.HandleStream(ctx, from, connID, payload)
	if invalidTransfer(err) {
		log.WithField("peer", from.ID().TerminalString()).WithError(err).Warn("Blacklisting peer for invalid transfer")
		mr.security.Blacklist(from.ID(), invalidContentBan)
	}
	return err
}

func invalidTransfer(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, stream.ErrCountMismatch) {
		return true
	}
	var wireErr *wire.Error
	return errors.As(err, &wireErr) && wireErr.Code == constants.ErrorMalformed
}

func (mr *MessageRouter) admit(from *enode.Node) error {
	if !mr.security.AllowRequest(from.ID()) {
		return wire.ErrRateLimit(mr.security.RetryAfter(from.ID()))
	}
	mr.table.Seen(from)
	return nil
}
