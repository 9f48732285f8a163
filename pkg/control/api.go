// Package control implements the local JSON control API of a histnet node.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/histnet/internal/dht"
	"github.com/WebFirstLanguage/histnet/pkg/content"
)

var log = logrus.WithField("prefix", "control")

// requestTimeout bounds one method call, including network lookups
const requestTimeout = time.Minute

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Error codes classify failed calls
const (
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidContent = "INVALID_CONTENT"
)

var (
	// ErrNotFound is returned by Client.Call when the node could not find
	// the requested content locally or on the network
	ErrNotFound = errors.New("not found")
	// ErrInvalidContent is returned by Client.Call when content was found
	// but failed validation
	ErrInvalidContent = errors.New("invalid content")
)

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// Info describes the running node
type Info struct {
	NodeID     string `json:"node_id"`
	ENR        string `json:"enr"`
	Honeytag   string `json:"honeytag"`
	Nickname   string `json:"nickname,omitempty"`
	Handle     string `json:"handle,omitempty"`
	State      string `json:"state"`
	Transport  string `json:"transport"`
	ListenAddr string `json:"listen_addr"`
	ChainID    uint16 `json:"chain_id"`
	Height     int64  `json:"height"`
	Peers      int    `json:"peers"`
}

// Backend is the node as seen by the control API
type Backend interface {
	Info() Info
	SetNickname(nickname string) error
	Height() int64
	GetBlockByHash(ctx context.Context, hash common.Hash, includeTransactions bool) (*types.Block, error)
	GetBlockByNumber(ctx context.Context, number uint64, includeTransactions bool) (*types.Block, error)
	Peers() []*dht.Node
	AddPeer(ctx context.Context, record string) error
}

// Server implements the control API server
type Server struct {
	backend Backend
	wg      sync.WaitGroup
}

// NewServer creates a new control API server
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Serve accepts connections on listener until ctx is cancelled or the
// listener is closed
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Debug("Failed to accept control connection")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection answers newline-delimited JSON requests until the client
// disconnects
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}
		if err := encoder.Encode(s.handleRequest(ctx, request)); err != nil {
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "GetInfo":
		result = s.backend.Info()
	case "SetNickname":
		result, err = s.handleSetNickname(request.Params)
	case "history.height":
		result = map[string]interface{}{"height": s.backend.Height()}
	case "history.getBlockByHash":
		result, err = s.handleGetBlockByHash(ctx, request.Params)
	case "history.getBlockByNumber":
		result, err = s.handleGetBlockByNumber(ctx, request.Params)
	case "peers":
		result = s.handleGetPeers()
	case "peers.add":
		result, err = s.handleAddPeer(ctx, request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}
	if err != nil {
		return Response{ID: request.ID, Error: err.Error(), Code: errorCode(err)}
	}
	return Response{ID: request.ID, Result: result}
}

func errorCode(err error) string {
	switch {
	case content.IsNotFound(err):
		return CodeNotFound
	case content.IsValidationError(err):
		return CodeInvalidContent
	default:
		return ""
	}
}

func (s *Server) handleSetNickname(params map[string]interface{}) (interface{}, error) {
	nickname, ok := params["nickname"].(string)
	if !ok {
		return nil, errors.New("nickname parameter is required and must be a string")
	}
	if err := s.backend.SetNickname(nickname); err != nil {
		return nil, errors.Wrap(err, "failed to set nickname")
	}
	info := s.backend.Info()
	return map[string]interface{}{
		"nickname": info.Nickname,
		"handle":   info.Handle,
	}, nil
}

func (s *Server) handleGetBlockByHash(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	raw, ok := params["hash"].(string)
	if !ok {
		return nil, errors.New("hash parameter is required and must be a string")
	}
	b, err := parseHash(raw)
	if err != nil {
		return nil, err
	}
	block, err := s.backend.GetBlockByHash(ctx, b, boolParam(params, "fullTransactions"))
	if err != nil {
		return nil, err
	}
	return NewBlockResult(block, boolParam(params, "fullTransactions")), nil
}

func (s *Server) handleGetBlockByNumber(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	number, err := uintParam(params, "number")
	if err != nil {
		return nil, err
	}
	block, err := s.backend.GetBlockByNumber(ctx, number, boolParam(params, "fullTransactions"))
	if err != nil {
		return nil, err
	}
	return NewBlockResult(block, boolParam(params, "fullTransactions")), nil
}

func (s *Server) handleGetPeers() interface{} {
	nodes := s.backend.Peers()
	peers := make([]map[string]interface{}, len(nodes))
	for i, node := range nodes {
		peers[i] = map[string]interface{}{
			"node_id":   node.ID().String(),
			"enr":       node.Record.String(),
			"last_seen": node.LastSeen.Format(time.RFC3339),
		}
		if node.Radius != nil {
			peers[i]["radius"] = node.Radius.Hex()
		}
	}
	return map[string]interface{}{"peers": peers}
}

func (s *Server) handleAddPeer(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	record, ok := params["enr"].(string)
	if !ok || record == "" {
		return nil, errors.New("enr parameter is required")
	}
	if err := s.backend.AddPeer(ctx, record); err != nil {
		return nil, errors.Wrap(err, "failed to add peer")
	}
	return map[string]interface{}{"success": true}, nil
}

// BlockResult is the JSON form of a resolved block
type BlockResult struct {
	Hash         common.Hash   `json:"hash"`
	Header       *types.Header `json:"header"`
	Transactions []common.Hash `json:"transactions,omitempty"`
	Uncles       []common.Hash `json:"uncles,omitempty"`
}

// NewBlockResult converts block. Transaction and uncle hashes are listed
// only when the body was requested.
func NewBlockResult(block *types.Block, withBody bool) *BlockResult {
	r := &BlockResult{Hash: block.Hash(), Header: block.Header()}
	if !withBody {
		return r
	}
	for _, tx := range block.Transactions() {
		r.Transactions = append(r.Transactions, tx.Hash())
	}
	for _, u := range block.Uncles() {
		r.Uncles = append(r.Uncles, u.Hash())
	}
	return r
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errors.Errorf("invalid block hash %q", s)
	}
	return common.BytesToHash(b), nil
}

func boolParam(params map[string]interface{}, name string) bool {
	v, _ := params[name].(bool)
	return v
}

// uintParam accepts a JSON number or a decimal or 0x-prefixed string
func uintParam(params map[string]interface{}, name string) (uint64, error) {
	switch v := params[name].(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, errors.Errorf("%s must be a non-negative integer", name)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid %s", name)
		}
		return n, nil
	case nil:
		return 0, errors.Errorf("%s parameter is required", name)
	default:
		return 0, errors.Errorf("%s must be a number", name)
	}
}
