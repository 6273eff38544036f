package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/consul/api"
	"github.com/mwantia/findex/data"
)

// ConsulStore persists the index in the HashiCorp Consul KV store.
//
// Architecture:
// - Each entry is stored as JSON under "<prefix>/entry/<id>"
// - A path index lives under "<prefix>/path<path>" with the entry ID as value,
//   which makes children listing a keys-with-separator query
// - Multi-key mutations go through KV transactions
//
// Limitations:
// - Consul KV transactions are limited to 64 operations; larger subtree
//   moves and cascades are split into chunks, so their atomicity relies on
//   the process-local write lock rather than a single server transaction
// - Consul KV has a 512KB limit per value (irrelevant for entry records)
type ConsulStore struct {
	mu     sync.RWMutex
	client *api.Client
	kv     *api.KV
	txn    *api.Txn

	// Configuration
	config *ConsulStoreConfig
}

// ConsulStoreConfig contains configuration options for the Consul store
type ConsulStoreConfig struct {
	// Address of the Consul server (default: "127.0.0.1:8500")
	Address string

	// Token for Consul ACL authentication (optional)
	Token string

	// Datacenter to use (optional)
	Datacenter string

	// Prefix for all keys in Consul KV (default: "findex")
	Prefix string
}

// NewConsulStore creates a new Consul-backed index store
func NewConsulStore(config *ConsulStoreConfig) (*ConsulStore, error) {
	if config == nil {
		config = &ConsulStoreConfig{}
	}

	// Set defaults
	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if config.Prefix == "" {
		config.Prefix = "findex"
	}

	clientConfig := api.DefaultConfig()
	clientConfig.Address = config.Address
	clientConfig.Token = config.Token
	clientConfig.Datacenter = config.Datacenter

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return &ConsulStore{
		client: client,
		kv:     client.KV(),
		txn:    client.Txn(),
		config: config,
	}, nil
}

// Close releases the store handle. The underlying HTTP client is shared
// and needs no explicit cleanup.
func (cs *ConsulStore) Close(ctx context.Context) error {
	return nil
}

func (cs *ConsulStore) entryKey(id string) string {
	return cs.config.Prefix + "/entry/" + id
}

func (cs *ConsulStore) pathKey(path string) string {
	if data.IsRoot(path) {
		return cs.config.Prefix + "/path"
	}

	return cs.config.Prefix + "/path" + path
}

// getEntry reads and decodes a single entry record.
func (cs *ConsulStore) getEntry(ctx context.Context, id string) (*data.Entry, error) {
	pair, _, err := cs.kv.Get(cs.entryKey(id), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: '%s'", data.ErrNotFound, id)
	}

	var entry data.Entry
	if err := json.Unmarshal(pair.Value, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return &entry, nil
}

// getIDByPath resolves a live path to its entry ID through the path index.
func (cs *ConsulStore) getIDByPath(ctx context.Context, path string) (string, bool, error) {
	pair, _, err := cs.kv.Get(cs.pathKey(path), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	if pair == nil {
		return "", false, nil
	}

	return string(pair.Value), true, nil
}

// setEntryOps builds the transaction operations that persist an entry
// record together with its path index.
func (cs *ConsulStore) setEntryOps(entry *data.Entry) (api.TxnOps, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return api.TxnOps{
		{KV: &api.KVTxnOp{Verb: api.KVSet, Key: cs.entryKey(entry.ID), Value: value}},
		{KV: &api.KVTxnOp{Verb: api.KVSet, Key: cs.pathKey(entry.Path), Value: []byte(entry.ID)}},
	}, nil
}

// runTxn executes the operations in chunks of the Consul transaction limit.
const txnChunkSize = 64

func (cs *ConsulStore) runTxn(ctx context.Context, ops api.TxnOps) error {
	for len(ops) > 0 {
		chunk := ops
		if len(chunk) > txnChunkSize {
			chunk = chunk[:txnChunkSize]
		}
		ops = ops[len(chunk):]

		ok, resp, _, err := cs.txn.Txn(chunk, (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return fmt.Errorf("%w: %v", data.ErrStorage, err)
		}
		if !ok {
			var reasons []string
			for _, txnErr := range resp.Errors {
				reasons = append(reasons, txnErr.What)
			}
			return fmt.Errorf("%w: transaction rejected: %v", data.ErrStorage, reasons)
		}
	}

	return nil
}
