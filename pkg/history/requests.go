package history

import (
	"context"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/content"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// SendFindContent asks a known peer for the content under an encoded key.
// Inline content is fed into the store. A connection id registers a pending
// transfer whose payload reaches the store through the transfer listener.
// A peer list is only logged. An unknown peer or a failed request yields
// nil.
func (p *Protocol) SendFindContent(ctx context.Context, peerID enode.ID, key []byte) *wire.Content {
	peer := p.table.Get(peerID)
	if peer == nil {
		log.WithField("peer", peerID.TerminalString()).Debug("No record for peer, FINDCONTENT aborted")
		return nil
	}
	resp, err := p.findContent(ctx, peer.Record, key)
	if err != nil {
		log.WithError(err).WithField("peer", peerID.TerminalString()).Debug("FINDCONTENT failed")
		return nil
	}

	switch resp.Selector {
	case wire.ContentConnectionID:
		log.WithField("peer", peerID.TerminalString()).WithField("connID", resp.ConnectionID).Debug("Received transfer connection id")
		p.streams.ExpectRead(peerID, resp.ConnectionID, [][]byte{key})
	case wire.ContentPayload:
		decoded, err := content.DecodeKey(key)
		if err != nil {
			log.WithError(err).Debug("Could not decode requested content key")
			break
		}
		if err := p.AddContentToHistory(ctx, decoded.ChainID, decoded.Type, decoded.Hash, resp.Payload); err != nil {
			log.WithError(err).Debug("Could not add found content")
		}
	case wire.ContentENRs:
		log.WithField("peer", peerID.TerminalString()).WithField("count", len(resp.ENRs)).Debug("Received peer records")
	}
	return resp
}

func (p *Protocol) findContent(ctx context.Context, to *enode.Node, key []byte) (*wire.Content, error) {
	findContentMessagesSent.Inc()
	msg, err := p.request(ctx, to, &wire.FindContent{ContentKey: key})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*wire.Content)
	if !ok {
		return nil, errors.Errorf("unexpected response code %d to FINDCONTENT", msg.Code())
	}
	contentMessagesReceived.Inc()
	return resp, nil
}

// SendOffer offers encoded content keys to peer and streams the content it
// accepts
func (p *Protocol) SendOffer(ctx context.Context, peer *enode.Node, keys [][]byte) error {
	offerMessagesSent.Inc()
	for _, k := range keys {
		p.table.MarkContentKeyKnown(peer.ID(), string(k))
	}
	msg, err := p.request(ctx, peer, &wire.Offer{ContentKeys: keys})
	if err != nil {
		return err
	}
	accept, ok := msg.(*wire.Accept)
	if !ok {
		return errors.Errorf("unexpected response code %d to OFFER", msg.Code())
	}
	if accept.ContentKeys.Len() != uint64(len(keys)) {
		return wire.ErrMalformed("accept bitlist length does not match offer")
	}

	var contents [][]byte
	for i, k := range keys {
		if !accept.ContentKeys.BitAt(uint64(i)) {
			continue
		}
		decoded, err := content.DecodeKey(k)
		if err != nil {
			return err
		}
		value, err := p.store.Get(decoded.ID())
		if errors.Is(err, db.ErrNotFound) {
			// keep item positions aligned with the accepted keys
			value = []byte{}
		} else if err != nil {
			return errors.Wrap(err, "could not read offered content")
		}
		contents = append(contents, value)
	}
	if len(contents) == 0 || accept.ConnectionID == 0 {
		return nil
	}
	log.WithFields(logrus.Fields{
		"peer":     peer.ID().TerminalString(),
		"accepted": len(contents),
		"offered":  len(keys),
	}).Debug("Streaming accepted content")
	return p.streams.Push(ctx, peer, accept.ConnectionID, contents)
}

// SendPing exchanges radii with peer
func (p *Protocol) SendPing(ctx context.Context, peer *enode.Node) (*wire.Pong, error) {
	local := p.net.LocalNode()
	if local == nil {
		return nil, errors.New("local node record not set")
	}
	msg, err := p.request(ctx, peer, &wire.Ping{EnrSeq: local.Seq(), Radius: p.radius})
	if err != nil {
		return nil, err
	}
	pong, ok := msg.(*wire.Pong)
	if !ok {
		return nil, errors.Errorf("unexpected response code %d to PING", msg.Code())
	}
	p.table.Seen(peer)
	p.table.UpdateRadius(peer.ID(), pong.Radius)
	return pong, nil
}

// SendFindNodes asks peer for the records at the given log distances and
// adds valid results to the routing table
func (p *Protocol) SendFindNodes(ctx context.Context, peer *enode.Node, distances []uint16) ([]*enode.Node, error) {
	msg, err := p.request(ctx, peer, &wire.FindNodes{Distances: distances})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*wire.Nodes)
	if !ok {
		return nil, errors.Errorf("unexpected response code %d to FINDNODES", msg.Code())
	}
	nodes := decodeRecords(resp.ENRs)
	for _, n := range nodes {
		p.table.Add(dht.NewNode(n))
	}
	return nodes, nil
}

func (p *Protocol) request(ctx context.Context, to *enode.Node, msg wire.Message) (wire.Message, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	resp, err := p.net.Request(ctx, to, payload)
	if err != nil {
		return nil, err
	}
	return wire.Decode(resp)
}

func encodeRecords(nodes []*enode.Node) [][]byte {
	out := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		b, err := rlp.EncodeToBytes(n.Record())
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// decodeRecords skips records that do not parse or verify
func decodeRecords(raw [][]byte) []*enode.Node {
	nodes := make([]*enode.Node, 0, len(raw))
	for _, b := range raw {
		var r enr.Record
		if err := rlp.DecodeBytes(b, &r); err != nil {
			log.WithError(err).Debug("Skipping undecodable record")
			continue
		}
		n, err := enode.New(enode.ValidSchemes, &r)
		if err != nil {
			log.WithError(err).Debug("Skipping invalid record")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}
