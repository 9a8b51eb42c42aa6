package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/nyan233/blockidx"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	// create file with path is dbset/quick_start.db
	if err := os.MkdirAll("dbset", 0o755); err != nil {
		panic(err)
	}
	store, err := blockidx.OpenFileStore(blockidx.FileStoreConfig{
		Path:      filepath.Join("dbset", "quick_start.db"),
		BlockSize: 4096,
		Logger:    logger,
	})
	if err != nil {
		panic(err)
	}
	tree, err := blockidx.OpenIndex(store, "quick_start", blockidx.KeyTypeLong, 0, blockidx.Config{Logger: logger})
	if err != nil {
		panic(err)
	}
	cache, err := blockidx.NewIndexCache(blockidx.CacheConfig{Capacity: 128, Logger: logger})
	if err != nil {
		panic(err)
	}
	// writes go through the cache, evicted keys are written back in the background
	for i := int64(1); i <= 1024; i++ {
		key, _ := blockidx.Int64Codec{}.Marshal(&i)
		err = cache.Insert(tree, key, uint64(i)*10, nil)
		if err != nil {
			panic(fmt.Errorf("insert err:%v", err))
		}
	}
	if err = cache.Flush(); err != nil {
		panic(fmt.Errorf("flush err:%v", err))
	}
	// the tree sees every flushed key
	for i := 0; i < 8; i++ {
		k := rand.Int64N(1024) + 1
		key, _ := blockidx.Int64Codec{}.Marshal(&k)
		v, err := tree.Lookup(key)
		if err != nil {
			panic(err)
		}
		fmt.Printf("tree.Lookup key=%d, val=%d\n", k, v)
	}
	n := 0
	err = tree.Scan(nil, func(key []byte, value uint64) bool {
		n++
		return true
	})
	if err != nil {
		panic(err)
	}
	info, err := tree.Check()
	if err != nil {
		panic(fmt.Errorf("check err:%v", err))
	}
	fmt.Printf("scanned %d keys, height %d, %d blocks\n", n, info.Height, info.Blocks)
	// close, write back dirty blocks
	if err = cache.Close(); err != nil {
		panic(err)
	}
	if err = tree.Close(); err != nil {
		panic(err)
	}
	if err = store.Close(); err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
