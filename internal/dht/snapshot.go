package dht

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const peerFileVersion = 1

// Peer files are canonical CBOR so identical tables produce identical files.
// Duplicate map keys are rejected on read.
var (
	peerEncMode cbor.EncMode
	peerDecMode cbor.DecMode
)

func init() {
	var err error
	if peerEncMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("failed to create CBOR encode mode: %v", err))
	}
	if peerDecMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(fmt.Sprintf("failed to create CBOR decode mode: %v", err))
	}
}

// peerFile is the on-disk list of known peers
type peerFile struct {
	Version uint16   `cbor:"version"`
	Saved   int64    `cbor:"saved"`
	Records []string `cbor:"records"`
}

// SavePeers writes the routing table's records to path so a restarted node
// can rejoin without bootnodes
func (rt *RoutingTable) SavePeers(path string) error {
	nodes := rt.GetAllNodes()
	pf := peerFile{
		Version: peerFileVersion,
		Saved:   time.Now().Unix(),
		Records: make([]string, 0, len(nodes)),
	}
	for _, n := range nodes {
		pf.Records = append(pf.Records, n.Record.String())
	}
	sort.Strings(pf.Records)

	data, err := peerEncMode.Marshal(pf)
	if err != nil {
		return errors.Wrap(err, "failed to marshal peers")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "failed to create peer directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write peer file")
	}
	return os.Rename(tmp, path)
}

// LoadPeers reads records written by SavePeers. A missing file yields no
// records and no error. Records that no longer parse are skipped.
func LoadPeers(path string) ([]*enode.Node, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read peer file")
	}

	var pf peerFile
	if err := peerDecMode.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrap(err, "failed to parse peer file")
	}
	if pf.Version != peerFileVersion {
		return nil, errors.Errorf("unsupported peer file version %d", pf.Version)
	}

	records := make([]*enode.Node, 0, len(pf.Records))
	for _, s := range pf.Records {
		n, err := enode.Parse(enode.ValidSchemes, s)
		if err != nil {
			log.WithError(err).Debug("Skipping unparsable peer record")
			continue
		}
		records = append(records, n)
	}
	return records, nil
}

// ParseBootnodes parses enr: or enode: strings from configuration
func ParseBootnodes(urls []string) ([]*enode.Node, error) {
	nodes := make([]*enode.Node, 0, len(urls))
	for _, u := range urls {
		n, err := enode.Parse(enode.ValidSchemes, u)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid bootnode %q", u)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
