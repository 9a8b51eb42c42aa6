package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/nyan233/blockidx"
	"github.com/spf13/cobra"
	"github.com/zbh255/gocode/random"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the index if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(true, func(s *session) error {
			fmt.Fprintf(cmd.OutOrStdout(), "index %s: %s keys, %d bytes, root %d, %d keys per block\n",
				s.info.Name, s.info.KeyType, s.info.KeySize, s.info.Root, s.tree.Capacity())
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store a key, an existing key is overwritten",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "value %q", args[1])
		}
		return withSession(false, func(s *session) error {
			key, err := s.parseKey(args[0])
			if err != nil {
				return err
			}
			return s.tree.Insert(key, value, true)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(s *session) error {
			key, err := s.parseKey(args[0])
			if err != nil {
				return err
			}
			value, err := s.tree.Lookup(key)
			if err != nil {
				return err
			}
			if value == 0 {
				return errors.Wrapf(blockidx.ErrNotFound, "%s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del KEY",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(s *session) error {
			key, err := s.parseKey(args[0])
			if err != nil {
				return err
			}
			return s.tree.Remove(key)
		})
	},
}

var (
	scanFrom  string
	scanLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Print keys in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(s *session) error {
			var start []byte
			if scanFrom != "" {
				var err error
				if start, err = s.parseKey(scanFrom); err != nil {
					return err
				}
			}
			n := 0
			out := cmd.OutOrStdout()
			return s.tree.Scan(start, func(key []byte, value uint64) bool {
				fmt.Fprintf(out, "%s\t%d\n", s.tree.FormatKey(key), value)
				n++
				return scanLimit <= 0 || n < scanLimit
			})
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the structure of the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(s *session) error {
			info, err := s.tree.Check()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: height %d, %d blocks, %d leaves, %d keys\n",
				info.Height, info.Blocks, info.Leaves, info.Keys)
			return nil
		})
	},
}

var (
	loadCount int
	loadSeed  uint64
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Insert random keys through the index cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(true, func(s *session) error {
			cache, err := blockidx.NewIndexCache(blockidx.CacheConfig{Logger: s.logger})
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(loadSeed, loadSeed))
			begin := time.Now()
			inserted := 0
			for i := 0; i < loadCount; i++ {
				key, err := randomKey(rng, s.info)
				if err != nil {
					return errors.CombineErrors(err, cache.Close())
				}
				err = cache.Insert(s.tree, key, rng.Uint64N(1<<62)+1, nil)
				switch {
				case err == nil:
					inserted++
				case errors.Is(err, blockidx.ErrDuplicateKey):
				default:
					return errors.CombineErrors(err, cache.Close())
				}
			}
			if err = cache.Close(); err != nil {
				return err
			}
			st := cache.Stat()
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d of %d keys in %s, %d evictions, %d writes\n",
				inserted, loadCount, time.Since(begin).Round(time.Millisecond), st.CacheEvictions, st.WriterApplied)
			return nil
		})
	},
}

func randomKey(rng *rand.Rand, info blockidx.IndexInfo) ([]byte, error) {
	switch info.KeyType {
	case blockidx.KeyTypeInt:
		return blockidx.ParseKey(info.KeyType, info.KeySize, strconv.Itoa(int(rng.Int32())))
	case blockidx.KeyTypeLong:
		return blockidx.ParseKey(info.KeyType, info.KeySize, strconv.FormatInt(rng.Int64(), 10))
	case blockidx.KeyTypeBinary:
		return blockidx.ParseKey(info.KeyType, info.KeySize, random.GenStringOnAscii(uint32(info.KeySize)))
	default:
		// leave room for the length prefix
		n := 1 + rng.IntN(info.KeySize-1)
		return blockidx.ParseKey(info.KeyType, info.KeySize, random.GenStringOnAscii(uint32(n)))
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the indexes in the file as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blockidx.OpenFileStore(blockidx.FileStoreConfig{
			Path:      flagFile,
			BlockSize: flagBlockSize,
			Logger:    newLogger(),
		})
		if err != nil {
			return err
		}
		list, err := blockidx.Indexes(store)
		if err != nil {
			return errors.CombineErrors(err, store.Close())
		}
		raw, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return errors.CombineErrors(err, store.Close())
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return store.Close()
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "first key to print")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many keys")
	loadCmd.Flags().IntVar(&loadCount, "count", 10000, "number of keys")
	loadCmd.Flags().Uint64Var(&loadSeed, "seed", 1, "random seed")

	RootCmd.AddCommand(createCmd, putCmd, getCmd, delCmd, scanCmd, checkCmd, loadCmd, listCmd, serveCmd)
}
