package history

import (
	"context"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// maxRecordsSize keeps a NODES or CONTENT peer list within one message
const maxRecordsSize = 64 * 1024

// HandleRequest answers one encoded request from a peer
func (p *Protocol) HandleRequest(ctx context.Context, from *enode.Node, payload []byte) ([]byte, error) {
	msg, err := wire.Decode(payload)
	if err != nil {
		return nil, err
	}

	var resp wire.Message
	switch m := msg.(type) {
	case *wire.Ping:
		resp = p.handlePing(from, m)
	case *wire.FindNodes:
		resp = p.handleFindNodes(m)
	case *wire.FindContent:
		resp, err = p.handleFindContent(from, m)
	case *wire.Offer:
		resp, err = p.handleOffer(from, m)
	default:
		return nil, wire.ErrUnknownMessage(msg.Code())
	}
	if err != nil {
		return nil, err
	}
	return wire.Encode(resp)
}

// HandleStream accepts a bulk transfer for a pending read
func (p *Protocol) HandleStream(ctx context.Context, from *enode.Node, connID uint16, payload []byte) error {
	if connID == 0 {
		return wire.ErrMalformed("connection id 0 is reserved")
	}
	return p.streams.Deliver(from.ID(), connID, payload)
}

func (p *Protocol) handlePing(from *enode.Node, m *wire.Ping) *wire.Pong {
	p.table.UpdateRadius(from.ID(), m.Radius)
	var seq uint64
	if local := p.net.LocalNode(); local != nil {
		seq = local.Seq()
	}
	return &wire.Pong{EnrSeq: seq, Radius: p.radius}
}

func (p *Protocol) handleFindNodes(m *wire.FindNodes) *wire.Nodes {
	var nodes []*enode.Node
	for _, d := range m.Distances {
		if d == 0 {
			if local := p.net.LocalNode(); local != nil {
				nodes = append(nodes, local)
			}
			continue
		}
		for _, n := range p.table.NodesAtDistance(uint(d)) {
			nodes = append(nodes, n.Record)
		}
		if len(nodes) >= constants.MaxNodesPerResponse {
			break
		}
	}
	if len(nodes) > constants.MaxNodesPerResponse {
		nodes = nodes[:constants.MaxNodesPerResponse]
	}
	return &wire.Nodes{Total: 1, ENRs: capRecords(encodeRecords(nodes))}
}

// handleFindContent serves stored content inline when it is small and by
// transfer otherwise. Without the content it returns the peers nearest the
// content id.
func (p *Protocol) handleFindContent(from *enode.Node, m *wire.FindContent) (*wire.Content, error) {
	key, err := content.DecodeKey(m.ContentKey)
	if err != nil {
		return nil, wire.ErrMalformed(err.Error())
	}
	id := key.ID()

	value, err := p.store.Get(id)
	switch {
	case err == nil:
		if len(value) <= constants.MaxInlineContentSize {
			return &wire.Content{Selector: wire.ContentPayload, Payload: value}, nil
		}
		connID := p.streams.AllocateConnID(from.ID())
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), constants.StreamTimeout)
			defer cancel()
			if err := p.streams.Push(ctx, from, connID, [][]byte{value}); err != nil {
				log.WithError(err).WithField("peer", from.ID().TerminalString()).Debug("Content transfer failed")
			}
		}()
		return &wire.Content{Selector: wire.ContentConnectionID, ConnectionID: connID}, nil
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, errors.Wrap(err, "could not read content")
	}

	var nodes []*enode.Node
	for _, n := range p.table.GetClosest(id.NodeID(), constants.MaxNodesPerResponse+1) {
		if n.ID() == from.ID() {
			continue
		}
		nodes = append(nodes, n.Record)
	}
	if len(nodes) > constants.MaxNodesPerResponse {
		nodes = nodes[:constants.MaxNodesPerResponse]
	}
	return &wire.Content{Selector: wire.ContentENRs, ENRs: capRecords(encodeRecords(nodes))}, nil
}

// handleOffer accepts keys that are valid, inside our radius and not yet
// stored, and registers a pending transfer for them
func (p *Protocol) handleOffer(from *enode.Node, m *wire.Offer) (*wire.Accept, error) {
	bits := bitfield.NewBitlist(uint64(len(m.ContentKeys)))
	var accepted [][]byte
	localID := p.table.LocalID()

	for i, raw := range m.ContentKeys {
		p.table.MarkContentKeyKnown(from.ID(), string(raw))
		key, err := content.DecodeKey(raw)
		if err != nil || key.Type == content.HeaderAccumulator {
			continue
		}
		id := key.ID()
		if dht.Distance(localID, id.NodeID()).Gt(p.radius) {
			continue
		}
		if has, err := p.store.Has(id); err != nil || has {
			continue
		}
		bits.SetBitAt(uint64(i), true)
		accepted = append(accepted, raw)
	}

	accept := &wire.Accept{ContentKeys: bits}
	if len(accepted) > 0 {
		accept.ConnectionID = p.streams.AllocateConnID(from.ID())
		p.streams.ExpectRead(from.ID(), accept.ConnectionID, accepted)
	}
	log.WithFields(logrus.Fields{
		"peer":     from.ID().TerminalString(),
		"offered":  len(m.ContentKeys),
		"accepted": len(accepted),
	}).Debug("Answered offer")
	return accept, nil
}

func capRecords(records [][]byte) [][]byte {
	size := 0
	for i, r := range records {
		size += len(r) + 4
		if size > maxRecordsSize {
			return records[:i]
		}
	}
	return records
}
