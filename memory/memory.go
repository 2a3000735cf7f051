package memory

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/store"
	"github.com/warriorguo/llmflow/types"
	"github.com/warriorguo/llmflow/utils"
)

const prefixRoot = "/memory/"

// Entry is one stored memory, scoped to a run. Memory never outlives
// its run.
type Entry struct {
	Key       string     `json:"key"`
	Text      string     `json:"text"`
	Metadata  types.Data `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RecallResult is an entry with its match score against the query,
// in [0, 1].
type RecallResult struct {
	Entry
	Similarity float64 `json:"similarity"`
}

/**
 * Store keeps per-run memories behind the engine's key/value store.
 * Recall ranks by token overlap between query and text; embedding
 * search stays behind this interface for a backend that has one.
 */
type Store struct {
	kv store.Store
}

func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

func runPrefix(runID string) string {
	return prefixRoot + runID + "/"
}

func (s *Store) Save(ctx context.Context, runID, key, text string, metadata types.Data) error {
	if key == "" {
		return errors.BadRequestf("memory key is empty")
	}
	entry := Entry{
		Key:       key,
		Text:      text,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	b, err := utils.Serialize(entry)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.kv.Set(ctx, runPrefix(runID), key, b))
}

func (s *Store) Get(ctx context.Context, runID, key string) (*Entry, error) {
	b, err := s.kv.Get(ctx, runPrefix(runID), key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(b) == 0 {
		return nil, errors.NotFoundf("memory %s/%s", runID, key)
	}
	entry := &Entry{}
	if err := utils.Unserialize(b, entry); err != nil {
		return nil, errors.Trace(err)
	}
	return entry, nil
}

// Recall returns up to limit entries ranked by similarity descending,
// key ascending on ties. Entries that share no token with the query
// are left out.
func (s *Store) Recall(ctx context.Context, runID, query string, limit int) ([]RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTokens := tokenize(query)

	keys := make([]string, 0)
	err := s.kv.List(ctx, runPrefix(runID), func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	results := make([]RecallResult, 0, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, runID, key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		score := overlap(queryTokens, tokenize(entry.Text))
		if score <= 0 {
			continue
		}
		results = append(results, RecallResult{Entry: *entry, Similarity: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Key < results[j].Key
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Clear removes every memory of a run.
func (s *Store) Clear(ctx context.Context, runID string) error {
	keys := make([]string, 0)
	err := s.kv.List(ctx, runPrefix(runID), func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, key := range keys {
		if err := s.kv.Remove(ctx, runPrefix(runID), key); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[field] = true
	}
	return tokens
}

// overlap is Jaccard similarity over token sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for tok := range a {
		if b[tok] {
			common++
		}
	}
	if common == 0 {
		return 0
	}
	return float64(common) / float64(len(a)+len(b)-common)
}
