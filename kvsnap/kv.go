// Package kvsnap provides the local-storage key-value backend for polling
// sessions, built on an IPFS datastore.
package kvsnap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dspebble "github.com/ipfs/go-ds-pebble"
)

// Namespace prefixes every key this package writes.
const Namespace = "/roomchat"

// KV is a feed.KV over a go-datastore. Keys are stored as
// "/roomchat/<key>", so "chatMessages/general" becomes
// "/roomchat/chatMessages/general".
type KV struct {
	store ds.Datastore
}

// New wraps an existing datastore.
func New(store ds.Datastore) *KV {
	return &KV{store: store}
}

// NewMemory returns a KV backed by a thread-safe in-memory map.
func NewMemory() *KV {
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}

// Open opens a Pebble-backed datastore under dir.
func Open(dir string) (*KV, error) {
	if dir == "" {
		return nil, errors.New("kvsnap: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dstore, err := dspebble.NewDatastore(filepath.Join(dir, "kv-pebble"))
	if err != nil {
		return nil, err
	}
	return New(dstore), nil
}

func dsKey(key string) ds.Key {
	return ds.NewKey(Namespace).ChildString(strings.Trim(key, "/"))
}

func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	b, err := kv.store.Get(ctx, dsKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (kv *KV) Set(ctx context.Context, key, value string) error {
	return kv.store.Put(ctx, dsKey(key), []byte(value))
}

// Keys lists stored keys starting with prefix, in key order, without the
// namespace.
func (kv *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	res, err := kv.store.Query(ctx, query.Query{Prefix: Namespace, KeysOnly: true})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		k := strings.TrimPrefix(e.Key, Namespace+"/")
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *KV) Close() error {
	return kv.store.Close()
}
