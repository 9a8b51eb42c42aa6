package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/nyan233/blockidx"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the indexes of the file over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		store, err := blockidx.OpenFileStore(blockidx.FileStoreConfig{
			Path:      flagFile,
			BlockSize: flagBlockSize,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		srv := &server{
			store: store,
			cfg:   blockidx.Config{Logger: logger},
			trees: make(map[string]*blockidx.BTree),
		}
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		srv.setupRoutes(app)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			logger.Info("shutting down")
			_ = app.Shutdown()
		}()
		logger.Info("listening", "addr", serveAddr, "file", flagFile)
		err = app.Listen(serveAddr)
		return errors.CombineErrors(err, srv.Close())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":3000", "listen address")
}

type server struct {
	store *blockidx.FileStore
	cfg   blockidx.Config

	mu    sync.Mutex
	trees map[string]*blockidx.BTree
}

// tree returns the open tree for name, opening it from the catalog on first use.
func (s *server) tree(name string) (*blockidx.BTree, blockidx.IndexInfo, error) {
	info, err := blockidx.LookupIndex(s.store, name)
	if err != nil {
		return nil, info, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trees[name]; ok {
		return t, info, nil
	}
	t, err := blockidx.OpenIndex(s.store, name, 0, 0, s.cfg)
	if err != nil {
		return nil, info, err
	}
	s.trees[name] = t
	return t, info, nil
}

func (s *server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for name, t := range s.trees {
		err = errors.CombineErrors(err, t.Close())
		delete(s.trees, name)
	}
	return errors.CombineErrors(err, s.store.Close())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, blockidx.ErrNoSuchIndex), errors.Is(err, blockidx.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, blockidx.ErrKeySize), errors.Is(err, blockidx.ErrInvalidValue):
		return fiber.StatusBadRequest
	case errors.Is(err, blockidx.ErrDuplicateKey):
		return fiber.StatusConflict
	case errors.Is(err, blockidx.ErrLockTimeout):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
}

// keyHandler resolves :name and :key before calling fn.
func (s *server) keyHandler(fn func(c *fiber.Ctx, t *blockidx.BTree, key []byte) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		t, info, err := s.tree(c.Params("name"))
		if err != nil {
			return fail(c, err)
		}
		key, err := blockidx.ParseKey(info.KeyType, info.KeySize, c.Params("key"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return fn(c, t, key)
	}
}

func (s *server) setupRoutes(router fiber.Router) {
	router.Get("/indexes", func(c *fiber.Ctx) error {
		list, err := blockidx.Indexes(s.store)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"indexes": list})
	})

	router.Get("/indexes/:name/keys/:key", s.keyHandler(func(c *fiber.Ctx, t *blockidx.BTree, key []byte) error {
		value, err := t.Lookup(key)
		if err != nil {
			return fail(c, err)
		}
		if value == 0 {
			return fail(c, errors.Wrapf(blockidx.ErrNotFound, "%s", c.Params("key")))
		}
		return c.JSON(fiber.Map{"key": t.FormatKey(key), "value": value})
	}))

	router.Put("/indexes/:name/keys/:key", s.keyHandler(func(c *fiber.Ctx, t *blockidx.BTree, key []byte) error {
		var body struct {
			Value uint64 `json:"value"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if err := t.Insert(key, body.Value, c.QueryBool("overwrite", true)); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"status": "stored", "key": t.FormatKey(key), "value": body.Value})
	}))

	router.Delete("/indexes/:name/keys/:key", s.keyHandler(func(c *fiber.Ctx, t *blockidx.BTree, key []byte) error {
		if err := t.Remove(key); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"status": "removed", "key": t.FormatKey(key)})
	}))

	router.Get("/indexes/:name/check", func(c *fiber.Ctx) error {
		t, _, err := s.tree(c.Params("name"))
		if err != nil {
			return fail(c, err)
		}
		info, err := t.Check()
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(info)
	})

	router.Get("/stat", func(c *fiber.Ctx) error {
		s.mu.Lock()
		trees := make(map[string]blockidx.ExportStat, len(s.trees))
		for name, t := range s.trees {
			trees[name] = t.Stat()
		}
		s.mu.Unlock()
		return c.JSON(fiber.Map{"store": s.store.Stat(), "trees": trees})
	})

	router.Post("/sync", func(c *fiber.Ctx) error {
		if err := s.store.Sync(); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"status": "synced"})
	})
}
