// ledger keeps a local record of the nodes started from this machine, so
// that 'nodes' can list them and later invocations can reuse their
// descriptors without asking the provider. The provider stays the source of
// truth: the ledger is only ever a cache of descriptors handed out.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/chainguard-dev/nodedriver/internal/log"
	"github.com/chainguard-dev/nodedriver/internal/types"
	"go.etcd.io/bbolt"
)

var ErrLedger = fmt.Errorf("node ledger")

// Ledger stores descriptors in a bbolt database, one bucket per region. The
// database is opened per operation, so several processes can share it.
type Ledger struct {
	path string
}

func New(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrLedger, err)
	}
	defer db.Close()

	return &Ledger{path: path}, nil
}

// Record stores 'desc' under its name, replacing any previous entry.
func (l *Ledger) Record(ctx context.Context, region string, desc types.Descriptor) error {
	log.Info(ctx, "recording node in ledger", "node", desc.Name, "region", region)
	if desc.Name == "" {
		return fmt.Errorf("%w: node has no name", ErrLedger)
	}

	return l.update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(region))
		if err != nil {
			return fmt.Errorf("failed to create region bucket: %w", err)
		}
		raw, err := json.Marshal(desc)
		if err != nil {
			return fmt.Errorf("failed to marshal descriptor: %w", err)
		}
		return b.Put([]byte(desc.Name), raw)
	})
}

// Get returns the descriptor recorded for 'name', if any.
func (l *Ledger) Get(ctx context.Context, region, name string) (types.Descriptor, bool, error) {
	log.Debug(ctx, "looking up node in ledger", "node", name, "region", region)
	var desc types.Descriptor
	var found bool
	err := l.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(region))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &desc)
	})
	if err != nil {
		return types.Descriptor{}, false, err
	}
	return desc, found, nil
}

// Remove forgets 'name'. Removing an unknown node is not an error.
func (l *Ledger) Remove(ctx context.Context, region, name string) error {
	log.Info(ctx, "removing node from ledger", "node", name, "region", region)
	return l.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(region))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// Clear forgets every node in 'region'.
func (l *Ledger) Clear(ctx context.Context, region string) error {
	log.Info(ctx, "clearing ledger", "region", region)
	return l.update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(region)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(region))
	})
}

// List returns every recorded node in 'region', ordered by name.
func (l *Ledger) List(ctx context.Context, region string) ([]types.Descriptor, error) {
	log.Debug(ctx, "listing nodes in ledger", "region", region)
	var descs []types.Descriptor
	err := l.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(region))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, raw []byte) error {
			var desc types.Descriptor
			if err := json.Unmarshal(raw, &desc); err != nil {
				return fmt.Errorf("failed to unmarshal descriptor: %w", err)
			}
			descs = append(descs, desc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(descs, func(a, b types.Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return descs, nil
}

func (l *Ledger) update(fn func(*bbolt.Tx) error) error {
	db, err := l.client()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Update(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}
	return nil
}

func (l *Ledger) view(fn func(*bbolt.Tx) error) error {
	db, err := l.client()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.View(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}
	return nil
}

func (l *Ledger) client() (*bbolt.DB, error) {
	db, err := bbolt.Open(l.path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrLedger, err)
	}
	return db, nil
}
