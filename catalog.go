package blockidx

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// IndexInfo is one catalog entry.
type IndexInfo struct {
	Name    string    `json:"name"`
	Root    uint64    `json:"root"`
	KeyType KeyType   `json:"key_type"`
	KeySize int       `json:"key_size"`
	ID      uuid.UUID `json:"id"`
}

type catalogData struct {
	Indexes []IndexInfo `json:"indexes"`
}

func asCatalogStore(store BlockStore) (catalogStore, error) {
	cs, ok := store.(catalogStore)
	if !ok {
		return nil, errors.Newf("%T keeps no catalog", store)
	}
	return cs, nil
}

func loadCatalogData(cs catalogStore) (catalogData, error) {
	var data catalogData
	raw, err := cs.loadCatalog()
	if err != nil {
		return data, err
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err = json.Unmarshal(raw, &data); err != nil {
		return data, errors.Mark(errors.Wrap(err, "decode catalog"), ErrCorrupted)
	}
	return data, nil
}

func storeCatalogData(cs catalogStore, data catalogData) error {
	sort.Slice(data.Indexes, func(i, j int) bool {
		return data.Indexes[i].Name < data.Indexes[j].Name
	})
	raw, err := json.Marshal(&data)
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	return cs.storeCatalog(raw)
}

func (d *catalogData) find(name string) int {
	for i := range d.Indexes {
		if d.Indexes[i].Name == name {
			return i
		}
	}
	return -1
}

// OpenIndex opens the named index, creating it when the catalog has no such name. A zero
// keyType or keySize accepts what the catalog recorded, a zero keySize on create picks
// keyType's default.
func OpenIndex(store BlockStore, name string, keyType KeyType, keySize int, cfg Config) (*BTree, error) {
	cs, err := asCatalogStore(store)
	if err != nil {
		return nil, err
	}
	cs.catalogLock().Lock()
	defer cs.catalogLock().Unlock()
	data, err := loadCatalogData(cs)
	if err != nil {
		return nil, err
	}
	if i := data.find(name); i >= 0 {
		info := data.Indexes[i]
		if keyType != 0 && keyType != info.KeyType {
			return nil, errors.Newf("index %q has key type %s, not %s", name, info.KeyType, keyType)
		}
		if keySize != 0 && keySize != info.KeySize {
			return nil, errors.Wrapf(ErrKeySize, "index %q has %d byte keys, not %d", name, info.KeySize, keySize)
		}
		compare, err := NewKeyCompare(info.KeyType)
		if err != nil {
			return nil, err
		}
		return openTree(store, info.Root, info.KeySize, compare, cfg, info.ID)
	}

	if keyType == 0 {
		return nil, errors.Wrapf(ErrNoSuchIndex, "%q (give a key type to create it)", name)
	}
	if keySize == 0 {
		keySize = keyType.DefaultKeySize()
	}
	if err = keyType.checkKeySize(keySize); err != nil {
		return nil, err
	}
	compare, err := NewKeyCompare(keyType)
	if err != nil {
		return nil, err
	}
	t, err := Create(store, keySize, compare, cfg)
	if err != nil {
		return nil, err
	}
	data.Indexes = append(data.Indexes, IndexInfo{
		Name:    name,
		Root:    t.RootID(),
		KeyType: keyType,
		KeySize: keySize,
		ID:      t.ID(),
	})
	if err = storeCatalogData(cs, data); err != nil {
		_ = t.Close()
		return nil, err
	}
	t.logger.Info("index created", "name", name, "keyType", keyType.String(), "keySize", keySize)
	return t, nil
}

// Indexes lists the catalog ordered by name.
func Indexes(store BlockStore) ([]IndexInfo, error) {
	cs, err := asCatalogStore(store)
	if err != nil {
		return nil, err
	}
	cs.catalogLock().Lock()
	defer cs.catalogLock().Unlock()
	data, err := loadCatalogData(cs)
	if err != nil {
		return nil, err
	}
	return data.Indexes, nil
}

// LookupIndex returns the catalog entry for name.
func LookupIndex(store BlockStore, name string) (IndexInfo, error) {
	list, err := Indexes(store)
	if err != nil {
		return IndexInfo{}, err
	}
	for _, info := range list {
		if info.Name == name {
			return info, nil
		}
	}
	return IndexInfo{}, errors.Wrapf(ErrNoSuchIndex, "%q", name)
}

// DropIndex forgets name. Its blocks stay allocated.
func DropIndex(store BlockStore, name string) error {
	cs, err := asCatalogStore(store)
	if err != nil {
		return err
	}
	cs.catalogLock().Lock()
	defer cs.catalogLock().Unlock()
	data, err := loadCatalogData(cs)
	if err != nil {
		return err
	}
	i := data.find(name)
	if i < 0 {
		return errors.Wrapf(ErrNoSuchIndex, "%q", name)
	}
	data.Indexes = append(data.Indexes[:i], data.Indexes[i+1:]...)
	return storeCatalogData(cs, data)
}
