package entitydb

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/tracecost-engine/pkg/models"
)

// Known-Entity Attribution Store
//
// Tier 1 of the attribution pipeline: a prebuilt keyed index mapping
// Bitcoin addresses to real-world entities, populated offline by the
// dataset build tooling. Schema:
//
//   entities(address PK, entity, category, source, confidence DEFAULT 'confirmed')
//   with secondary indexes on entity and category
//
// Primary backend is PostgreSQL via pgx. When no DATABASE_URL is
// configured or the connection fails, the store falls back to a structured
// JSON document of entities grouped by category. A missing fallback file
// is not an error either — the store then behaves as empty, and every
// lookup misses.

// SourceLocal is the attribution source tag for Tier 1 matches.
const SourceLocal = "local_db"

var categoryMap = map[string]string{
	"exchanges":    "exchange",
	"mining_pools": "mining_pool",
	"services":     "service",
	"notable":      "notable",
}

type fallbackEntry struct {
	name     string
	category string
}

// Store resolves addresses to known entities. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	config   Config
	loaded   bool
	pool     *pgxpool.Pool
	fallback map[string]fallbackEntry
}

// Config locates the store's backends.
type Config struct {
	DatabaseURL  string // empty disables the Postgres backend
	FallbackPath string // JSON document used when Postgres is unavailable
}

// Open creates an unloaded store. Load happens on first use (or an
// explicit Load call) and never fails — a store with no reachable backend
// simply attributes nothing.
func Open(cfg Config) *Store {
	return &Store{fallback: make(map[string]fallbackEntry), config: cfg}
}

// Load connects the primary backend or reads the fallback document.
// Idempotent: subsequent calls are no-ops.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	if s.config.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, s.config.DatabaseURL)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				s.pool = pool
				log.Println("entitydb: connected to PostgreSQL entity index")
				return
			}
			pool.Close()
		}
		log.Printf("entitydb: PostgreSQL unavailable (%v), using JSON fallback", err)
	}

	s.loadFallbackLocked()
}

// loadFallbackLocked reads the JSON entity document into memory.
func (s *Store) loadFallbackLocked() {
	if s.config.FallbackPath == "" {
		return
	}
	raw, err := os.ReadFile(s.config.FallbackPath)
	if err != nil {
		log.Printf("entitydb: fallback document not loaded (%v), store is empty", err)
		return
	}

	var doc struct {
		Entities map[string]map[string]struct {
			Name           string   `json:"name"`
			KnownAddresses []string `json:"known_addresses"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("entitydb: fallback document malformed (%v), store is empty", err)
		return
	}

	for catKey, entries := range doc.Entities {
		category, ok := categoryMap[catKey]
		if !ok {
			category = catKey
		}
		for _, entity := range entries {
			for _, addr := range entity.KnownAddresses {
				s.fallback[addr] = fallbackEntry{name: entity.Name, category: category}
			}
		}
	}
	log.Printf("entitydb: loaded JSON fallback (%d addresses)", len(s.fallback))
}

// Lookup resolves one address. Returns nil when the address is unknown or
// the backend errors — Tier 1 never fails the pipeline.
func (s *Store) Lookup(ctx context.Context, address string) *models.AttributionResult {
	s.mu.Lock()
	s.loadLocked(ctx)
	pool := s.pool
	entry, inFallback := s.fallback[address]
	s.mu.Unlock()

	if pool != nil {
		var entity, category, confidence string
		err := pool.QueryRow(ctx,
			"SELECT entity, COALESCE(category, ''), COALESCE(confidence, 'confirmed') FROM entities WHERE address = $1",
			address,
		).Scan(&entity, &category, &confidence)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				log.Printf("entitydb: lookup %s failed: %v", address, err)
			}
			return nil
		}
		if confidence == "" {
			confidence = "confirmed"
		}
		return &models.AttributionResult{
			Address:    address,
			Entity:     entity,
			Source:     SourceLocal,
			Category:   category,
			Confidence: confidence,
		}
	}

	if inFallback {
		return &models.AttributionResult{
			Address:    address,
			Entity:     entry.name,
			Source:     SourceLocal,
			Category:   entry.category,
			Confidence: "confirmed",
		}
	}
	return nil
}

// Close releases the Postgres pool if one was opened. A closed store can
// not be reloaded; runs construct a fresh one.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
