package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const nonceKeyPrefix = "nonce:"

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence
// implementation keyed by nonce with the recorded height as the value.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

var _ NoncePersistence = (*LevelDBNoncePersistence)(nil)

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Put upserts the nonce record.
func (p *LevelDBNoncePersistence) Put(ctx context.Context, record NonceRecord) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	nonce := strings.TrimSpace(record.Nonce)
	if nonce == "" {
		return fmt.Errorf("nonce record incomplete")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Put([]byte(nonceKeyPrefix+nonce), encodeHeight(record.RecordedHeight), nil)
}

// Delete removes the supplied nonces in a single batch.
func (p *LevelDBNoncePersistence) Delete(ctx context.Context, nonces []string) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	if len(nonces) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, nonce := range nonces {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		trimmed := strings.TrimSpace(nonce)
		if trimmed == "" {
			continue
		}
		batch.Delete([]byte(nonceKeyPrefix + trimmed))
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete nonces: %w", err)
	}
	return nil
}

// Load returns every persisted nonce record.
func (p *LevelDBNoncePersistence) Load(ctx context.Context) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	iter := p.db.NewIterator(util.BytesPrefix([]byte(nonceKeyPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		key := string(iter.Key())
		if len(iter.Value()) != 8 {
			continue
		}
		records = append(records, NonceRecord{
			Nonce:          strings.TrimPrefix(key, nonceKeyPrefix),
			RecordedHeight: binary.BigEndian.Uint64(iter.Value()),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return records, nil
}

func encodeHeight(height uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return buf
}
