package history

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/pkg/errors"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
	"github.com/WebFirstLanguage/histnet/pkg/db"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// ContentLookup returns the content under an encoded key, from the local
// store or by querying peers progressively closer to its content id. It
// returns a not found error when the candidates are exhausted or the lookup
// times out.
func (p *Protocol) ContentLookup(ctx context.Context, encodedKey []byte) ([]byte, error) {
	key, err := content.DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	value, err := p.store.Get(key.ID())
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrap(err, "could not read content")
	}

	ctx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()
	l := &lookup{
		p:      p,
		key:    key,
		raw:    encodedKey,
		target: key.ID().NodeID(),
		seen:   make(map[enode.ID]bool),
	}
	for _, n := range p.table.GetClosest(l.target, constants.LookupResultSize) {
		l.add(n.Record)
	}
	if value, ok := l.run(ctx); ok {
		return value, nil
	}
	return nil, content.NewNotFoundError(key)
}

type lookupResult struct {
	peer  *enode.Node
	value []byte
	nodes []*enode.Node
	err   error
}

type lookup struct {
	p      *Protocol
	key    content.Key
	raw    []byte
	target enode.ID

	candidates []*enode.Node
	seen       map[enode.ID]bool
}

func (l *lookup) add(n *enode.Node) {
	if l.seen[n.ID()] || n.ID() == l.p.table.LocalID() {
		return
	}
	l.seen[n.ID()] = true
	l.candidates = append(l.candidates, n)
}

// next pops the candidate closest to the target
func (l *lookup) next() (*enode.Node, bool) {
	if len(l.candidates) == 0 {
		return nil, false
	}
	sort.Slice(l.candidates, func(i, j int) bool {
		return enode.DistCmp(l.target, l.candidates[i].ID(), l.candidates[j].ID()) < 0
	})
	n := l.candidates[0]
	l.candidates = l.candidates[1:]
	return n, true
}

// run keeps up to alpha queries in flight, refilling from the closest
// candidates as each answer arrives.
func (l *lookup) run(ctx context.Context) ([]byte, bool) {
	results := make(chan lookupResult, l.p.alpha)
	pending := 0
	for {
		for pending < l.p.alpha {
			n, ok := l.next()
			if !ok {
				break
			}
			pending++
			go func() {
				results <- l.query(ctx, n)
			}()
		}
		if pending == 0 {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case r := <-results:
			pending--
			if r.err != nil {
				log.WithError(r.err).WithField("peer", r.peer.ID().TerminalString()).Debug("Lookup query failed")
				// a peer that rejects the request itself does not speak the protocol
				if !content.IsRetryableError(r.err) {
					l.p.table.Remove(r.peer.ID())
				}
				continue
			}
			if r.value != nil {
				log.WithField("key", l.key.String()).WithField("peer", r.peer.ID().TerminalString()).Debug("Lookup found content")
				return r.value, true
			}
			for _, n := range r.nodes {
				l.add(n)
			}
		}
	}
}

// query asks one peer. A transfer it announces is awaited for at most one
// request timeout.
func (l *lookup) query(ctx context.Context, peer *enode.Node) lookupResult {
	waiter := l.p.await(l.raw)
	defer l.p.cancelAwait(l.raw, waiter)

	resp, err := l.p.findContent(ctx, peer, l.raw)
	if err != nil {
		var wireErr *wire.Error
		if errors.As(err, &wireErr) {
			return lookupResult{peer: peer, err: content.WrapWireError(wireErr, &l.key, peer.ID().TerminalString())}
		}
		return lookupResult{peer: peer, err: content.NewNetworkError("FINDCONTENT failed", peer.ID().TerminalString(), err)}
	}
	switch resp.Selector {
	case wire.ContentPayload:
		return lookupResult{peer: peer, value: resp.Payload}
	case wire.ContentConnectionID:
		l.p.streams.ExpectRead(peer.ID(), resp.ConnectionID, [][]byte{l.raw})
		timer := time.NewTimer(l.p.requestTimeout)
		defer timer.Stop()
		select {
		case value := <-waiter:
			return lookupResult{peer: peer, value: value}
		case <-timer.C:
			return lookupResult{peer: peer, err: content.NewNetworkError("transfer timed out", peer.ID().TerminalString(), nil)}
		case <-ctx.Done():
			return lookupResult{peer: peer, err: content.NewNetworkError("transfer interrupted", peer.ID().TerminalString(), ctx.Err())}
		}
	default:
		return lookupResult{peer: peer, nodes: decodeRecords(resp.ENRs)}
	}
}
