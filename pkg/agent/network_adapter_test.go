package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/stream"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

type mockProtocol struct {
	requests  int
	streamErr error
}

func (m *mockProtocol) HandleRequest(ctx context.Context, from *enode.Node, payload []byte) ([]byte, error) {
	m.requests++
	return []byte{0x01}, nil
}

func (m *mockProtocol) HandleStream(ctx context.Context, from *enode.Node, connID uint16, payload []byte) error {
	return m.streamErr
}

func newRecord(t *testing.T) *enode.Node {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	var r enr.Record
	r.Set(enr.IP(net.ParseIP("127.0.0.1")))
	r.Set(enr.TCP(constants.DefaultPort))
	require.NoError(t, enode.SignV4(&r, key))
	n, err := enode.New(enode.ValidSchemes, &r)
	require.NoError(t, err)
	return n
}

func TestMessageRouter_RateLimit(t *testing.T) {
	local := newRecord(t)
	table := dht.NewRoutingTable(local.ID())
	proto := &mockProtocol{}
	router := NewMessageRouter(proto, table, dht.NewSecurityManager(&dht.RateLimiterConfig{Capacity: 2, Refill: time.Hour}))
	from := newRecord(t)

	for i := 0; i < 2; i++ {
		resp, err := router.HandleRequest(context.Background(), from, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01}, resp)
	}
	assert.NotNil(t, table.Get(from.ID()), "the sender is recorded in the table")

	_, err := router.HandleRequest(context.Background(), from, nil)
	var wireErr *wire.Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, uint16(constants.ErrorRateLimit), wireErr.Code)
	require.NotNil(t, wireErr.RetryAfter)
	assert.Equal(t, 2, proto.requests)

	// other peers are unaffected
	_, err = router.HandleRequest(context.Background(), newRecord(t), nil)
	assert.NoError(t, err)
}

func TestMessageRouter_BlacklistsInvalidTransfers(t *testing.T) {
	local := newRecord(t)
	table := dht.NewRoutingTable(local.ID())
	security := dht.NewSecurityManager(nil)
	proto := &mockProtocol{}
	router := NewMessageRouter(proto, table, security)
	from := newRecord(t)

	// an unknown or late transfer is not a violation
	proto.streamErr = errors.New("session expired")
	assert.Error(t, router.HandleStream(context.Background(), from, 7, nil))
	assert.False(t, security.IsBlacklisted(from.ID()))

	proto.streamErr = errors.Wrap(stream.ErrCountMismatch, "transfer")
	assert.Error(t, router.HandleStream(context.Background(), from, 7, nil))
	assert.True(t, security.IsBlacklisted(from.ID()))

	_, err := router.HandleRequest(context.Background(), from, nil)
	assert.Error(t, err, "blacklisted peers are refused")
	assert.Zero(t, proto.requests)

	other := newRecord(t)
	proto.streamErr = wire.ErrMalformed("bad list")
	assert.Error(t, router.HandleStream(context.Background(), other, 7, nil))
	assert.True(t, security.IsBlacklisted(other.ID()))
}
