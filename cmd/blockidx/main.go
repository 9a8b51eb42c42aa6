package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/nyan233/blockidx"
	"github.com/spf13/cobra"
)

var (
	flagFile      string
	flagBlockSize int
	flagVerbose   bool
	flagIndex     string
	flagKeyType   string
	flagKeySize   int
)

var RootCmd = &cobra.Command{
	Use:   "blockidx",
	Short: "Inspect and edit block index files",
	Long: "blockidx opens a block index file and works on one named index in it: " +
		"point reads and writes, range scans, structural checks and an admin HTTP server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&flagFile, "file", "f", "blockidx.db", "index file path")
	pf.IntVar(&flagBlockSize, "block-size", 0, "block size used when the file is created (default 16384)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log structural events")
	pf.StringVarP(&flagIndex, "index", "i", "default", "index name")
	pf.StringVar(&flagKeyType, "key-type", "", "key type: binary, int, long, varbinary, string")
	pf.IntVar(&flagKeySize, "key-size", 0, "key slot size in bytes (default depends on key type)")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// session is one open file plus the index the flags point at.
type session struct {
	logger *slog.Logger
	store  *blockidx.FileStore
	tree   *blockidx.BTree
	info   blockidx.IndexInfo
}

// openSession opens the file and the index. With create set a missing index is created
// with --key-type, falling back to long keys.
func openSession(create bool) (*session, error) {
	logger := newLogger()
	store, err := blockidx.OpenFileStore(blockidx.FileStoreConfig{
		Path:      flagFile,
		BlockSize: flagBlockSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	var keyType blockidx.KeyType
	switch {
	case flagKeyType != "":
		if keyType, err = blockidx.ParseKeyType(flagKeyType); err != nil {
			_ = store.Close()
			return nil, err
		}
	case create:
		keyType = blockidx.KeyTypeLong
	}
	tree, err := blockidx.OpenIndex(store, flagIndex, keyType, flagKeySize, blockidx.Config{Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	info, err := blockidx.LookupIndex(store, flagIndex)
	if err != nil {
		_ = tree.Close()
		_ = store.Close()
		return nil, err
	}
	return &session{logger: logger, store: store, tree: tree, info: info}, nil
}

func (s *session) parseKey(text string) ([]byte, error) {
	return blockidx.ParseKey(s.info.KeyType, s.info.KeySize, text)
}

func (s *session) Close() error {
	return errors.CombineErrors(s.tree.Close(), s.store.Close())
}

// withSession runs fn against an open session and closes it, keeping the first error.
func withSession(create bool, fn func(s *session) error) error {
	s, err := openSession(create)
	if err != nil {
		return err
	}
	err = fn(s)
	return errors.CombineErrors(err, s.Close())
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
