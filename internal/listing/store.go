package listing

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/utxodutch/dutchd/internal/storage"
	"github.com/utxodutch/dutchd/pkg/types"
)

// Errors returned by the listing store.
var (
	ErrNotFound        = errors.New("listing not found")
	ErrStepNotFound    = errors.New("no psbt step for block")
	ErrUTXOInUse       = errors.New("utxo already has a non-terminal listing")
	ErrTerminal        = errors.New("listing already in a terminal status")
	ErrStaleTransition = errors.New("stale status transition")
	ErrSpendFields     = errors.New("spend details required exactly for sold and closed")
)

// Key prefixes for the listing store.
var (
	prefixListing = []byte("l/") // l/<id8> -> Listing JSON
	prefixStep    = []byte("p/") // p/<id8><block8> -> PsbtStep JSON
	prefixGuard   = []byte("u/") // u/<txid:vout> -> id8 (exists iff a non-terminal listing owns the UTXO)
	prefixStatus  = []byte("s/") // s/<status>/<id8> -> empty (index)
)

// seqKey holds the next listing ID as a big-endian uint64.
var seqKey = []byte("q/seq")

// Store persists listings, their PSBT schedules and the per-UTXO guard
// that enforces at most one non-terminal listing per outpoint. All writes
// go through a single database transaction and a store-level mutex, so
// the guard check and the insert it protects are atomic.
type Store struct {
	mu sync.Mutex
	db storage.DB
}

// NewStore creates a listing store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// idBytes encodes a listing ID as 8 big-endian bytes so lexical key order
// matches numeric order.
func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// listingKey builds the primary key: "l/" + id(8).
func listingKey(id uint64) []byte {
	return append(append([]byte{}, prefixListing...), idBytes(id)...)
}

// stepKey builds a schedule key: "p/" + id(8) + block(8).
func stepKey(id, block uint64) []byte {
	key := make([]byte, 0, len(prefixStep)+16)
	key = append(key, prefixStep...)
	key = append(key, idBytes(id)...)
	key = append(key, idBytes(block)...)
	return key
}

// stepPrefix covers every step of one listing: "p/" + id(8).
func stepPrefix(id uint64) []byte {
	return append(append([]byte{}, prefixStep...), idBytes(id)...)
}

// guardKey builds the UTXO guard key: "u/" + "txid:vout".
func guardKey(op types.Outpoint) []byte {
	return append(append([]byte{}, prefixGuard...), op.String()...)
}

// statusKey builds a status index key: "s/" + status + "/" + id(8).
func statusKey(st Status, id uint64) []byte {
	key := make([]byte, 0, len(prefixStatus)+len(st)+1+8)
	key = append(key, prefixStatus...)
	key = append(key, st...)
	key = append(key, '/')
	key = append(key, idBytes(id)...)
	return key
}

// statusPrefix covers one status bucket: "s/" + status + "/".
func statusPrefix(st Status) []byte {
	key := make([]byte, 0, len(prefixStatus)+len(st)+1)
	key = append(key, prefixStatus...)
	key = append(key, st...)
	key = append(key, '/')
	return key
}

// Insert persists a new listing with its full schedule, assigns it the
// next sequence ID and claims the UTXO guard. Returns ErrUTXOInUse when
// another non-terminal listing already owns the outpoint.
func (s *Store) Insert(l *Listing, steps []PsbtStep) (uint64, error) {
	if !l.Status.Valid() {
		return 0, fmt.Errorf("invalid status %q", l.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.Update(func(tx storage.Tx) error {
		gk := guardKey(l.Outpoint())
		ok, err := tx.Has(gk)
		if err != nil {
			return fmt.Errorf("guard check: %w", err)
		}
		if ok {
			return ErrUTXOInUse
		}

		id, err = nextID(tx)
		if err != nil {
			return err
		}
		l.ID = id

		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("listing marshal: %w", err)
		}
		if err := tx.Put(listingKey(id), data); err != nil {
			return fmt.Errorf("listing put: %w", err)
		}
		for _, step := range steps {
			sd, err := json.Marshal(step)
			if err != nil {
				return fmt.Errorf("step marshal: %w", err)
			}
			if err := tx.Put(stepKey(id, step.BlockNumber), sd); err != nil {
				return fmt.Errorf("step put: %w", err)
			}
		}
		if err := tx.Put(gk, idBytes(id)); err != nil {
			return fmt.Errorf("guard put: %w", err)
		}
		if err := tx.Put(statusKey(l.Status, id), []byte{}); err != nil {
			return fmt.Errorf("status index put: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// nextID reads and advances the ID sequence. The first listing gets ID 1.
func nextID(tx storage.Tx) (uint64, error) {
	next := uint64(1)
	raw, err := tx.Get(seqKey)
	switch {
	case err == nil && len(raw) == 8:
		next = binary.BigEndian.Uint64(raw)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return 0, fmt.Errorf("sequence get: %w", err)
	}
	if err := tx.Put(seqKey, idBytes(next+1)); err != nil {
		return 0, fmt.Errorf("sequence put: %w", err)
	}
	return next, nil
}

// Get retrieves a listing by ID.
func (s *Store) Get(id uint64) (*Listing, error) {
	data, err := s.db.Get(listingKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("listing get: %w", err)
	}
	var l Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("listing unmarshal: %w", err)
	}
	return &l, nil
}

// Steps returns the full schedule of a listing ordered by block number.
func (s *Store) Steps(id uint64) ([]PsbtStep, error) {
	var steps []PsbtStep
	err := s.db.ForEach(stepPrefix(id), func(_, value []byte) error {
		var step PsbtStep
		if err := json.Unmarshal(value, &step); err != nil {
			return fmt.Errorf("step unmarshal: %w", err)
		}
		steps = append(steps, step)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	// Keys are big-endian so iteration is already ordered; keep the sort
	// as the documented contract rather than an iteration detail.
	SortSteps(steps)
	return steps, nil
}

// StepFor returns the schedule step pinned to the given block, or
// ErrStepNotFound when the block is outside the schedule.
func (s *Store) StepFor(id, block uint64) (*PsbtStep, error) {
	data, err := s.db.Get(stepKey(id, block))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("step get: %w", err)
	}
	var step PsbtStep
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("step unmarshal: %w", err)
	}
	return &step, nil
}

// List returns listings in the given statuses, newest first. An empty
// filter returns everything.
func (s *Store) List(statuses []Status) ([]*Listing, error) {
	var out []*Listing
	if len(statuses) == 0 {
		err := s.db.ForEach(prefixListing, func(_, value []byte) error {
			var l Listing
			if err := json.Unmarshal(value, &l); err != nil {
				return fmt.Errorf("listing unmarshal: %w", err)
			}
			out = append(out, &l)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan listings: %w", err)
		}
	} else {
		for _, st := range statuses {
			prefix := statusPrefix(st)
			err := s.db.ForEach(prefix, func(key, _ []byte) error {
				// Key layout: "s/" + status + "/" + id(8).
				if len(key) < len(prefix)+8 {
					return nil
				}
				id := binary.BigEndian.Uint64(key[len(prefix):])
				l, err := s.Get(id)
				if err != nil {
					return err
				}
				out = append(out, l)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("scan status index: %w", err)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// NonTerminal returns every listing still subject to transitions.
func (s *Store) NonTerminal() ([]*Listing, error) {
	return s.List(NonTerminalStatuses)
}

// WatchingUTXO returns the non-terminal listing pinned to the outpoint,
// or nil when no listing is watching it.
func (s *Store) WatchingUTXO(op types.Outpoint) (*Listing, error) {
	raw, err := s.db.Get(guardKey(op))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("guard get: %w", err)
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("guard for %s holds %d bytes, want 8", op, len(raw))
	}
	return s.Get(binary.BigEndian.Uint64(raw))
}

// UpdateStatus moves a listing to next, recording spend details when next
// is sold or closed. The transition rules make concurrent observers
// harmless: repeating the current status is a no-op, a second transition
// out of a terminal state returns ErrTerminal, and a transition that
// would move the lifecycle backwards returns ErrStaleTransition.
func (s *Store) UpdateStatus(id uint64, next Status, spend *SpendInfo) error {
	if !next.Valid() {
		return fmt.Errorf("invalid status %q", next)
	}
	spendRequired := next == StatusSold || next == StatusClosed
	if spendRequired != (spend != nil) {
		return ErrSpendFields
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx storage.Tx) error {
		data, err := tx.Get(listingKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("listing get: %w", err)
		}
		var l Listing
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("listing unmarshal: %w", err)
		}

		if l.Status == next {
			return nil
		}
		if l.Status.Terminal() {
			return ErrTerminal
		}
		if !l.Status.CanTransition(next) {
			return ErrStaleTransition
		}

		prev := l.Status
		l.Status = next
		if spend != nil {
			at := spend.At.UTC()
			l.SpentTxID = spend.TxID
			l.SpentBlock = spend.Block
			l.SpentAt = &at
			l.Recipient = spend.Recipient
		}

		updated, err := json.Marshal(&l)
		if err != nil {
			return fmt.Errorf("listing marshal: %w", err)
		}
		if err := tx.Put(listingKey(id), updated); err != nil {
			return fmt.Errorf("listing put: %w", err)
		}
		if err := tx.Delete(statusKey(prev, id)); err != nil {
			return fmt.Errorf("status index delete: %w", err)
		}
		if err := tx.Put(statusKey(next, id), []byte{}); err != nil {
			return fmt.Errorf("status index put: %w", err)
		}

		if next.Terminal() {
			// Release the guard only if it still points at this listing.
			gk := guardKey(l.Outpoint())
			raw, err := tx.Get(gk)
			if err == nil && bytes.Equal(raw, idBytes(id)) {
				if err := tx.Delete(gk); err != nil {
					return fmt.Errorf("guard delete: %w", err)
				}
			} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("guard get: %w", err)
			}
		}
		return nil
	})
}

// CountByStatus tallies listings per status from the index.
func (s *Store) CountByStatus() (map[Status]int, error) {
	counts := make(map[Status]int)
	err := s.db.ForEach(prefixStatus, func(key, _ []byte) error {
		// Key layout: "s/" + status + "/" + id(8). Status names contain
		// no '/', so the first separator after the prefix ends the name.
		rest := key[len(prefixStatus):]
		i := bytes.IndexByte(rest, '/')
		if i < 0 {
			return nil
		}
		counts[Status(rest[:i])]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan status index: %w", err)
	}
	return counts, nil
}
