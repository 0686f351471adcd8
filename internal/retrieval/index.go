// Package retrieval indexes a user's emails and CRM notes so a new chat
// session can open with the most relevant excerpts.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// Kind distinguishes indexed sources.
type Kind string

const (
	KindEmail Kind = "email"
	KindNote  Kind = "note"
)

const (
	maxContentLen = 2000
	recentPerKind = 50
)

// Item is one document to index.
type Item struct {
	ID     string
	UserID string
	Kind   Kind
	Text   string
	Time   time.Time
}

// Excerpt is a retrieved item.
type Excerpt struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
	Score float32   `json:"score,omitempty"`
}

// Index is a per-user vector index over emails and notes. Without an
// embedding function it only keeps the most recent items per kind and
// Retrieve returns those, newest first.
type Index struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string][]Item // "user\x00kind" → newest last
}

// New creates an index. A non-empty persistPath keeps vectors on disk
// across restarts; embed may be nil.
func New(persistPath string, embed chromem.EmbeddingFunc, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		embed:  embed,
		logger: logger.With("component", "retrieval"),
		recent: make(map[string][]Item),
	}
	if embed == nil {
		return ix, nil
	}
	if persistPath != "" {
		db, err := chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
		ix.db = db
	} else {
		ix.db = chromem.NewDB()
	}
	return ix, nil
}

// Semantic reports whether retrieval ranks by similarity.
func (ix *Index) Semantic() bool { return ix.db != nil }

func recentKey(userID string, kind Kind) string {
	return userID + "\x00" + string(kind)
}

func collectionName(userID string, kind Kind) string {
	return "u-" + userID + "-" + string(kind)
}

func (ix *Index) collection(userID string, kind Kind) (*chromem.Collection, error) {
	return ix.db.GetOrCreateCollection(collectionName(userID, kind), nil, ix.embed)
}

// Add indexes items. Items with an existing ID replace the old entry.
func (ix *Index) Add(ctx context.Context, items ...Item) error {
	for _, it := range items {
		it.Text = strings.TrimSpace(it.Text)
		if it.Text == "" || it.UserID == "" || it.ID == "" {
			continue
		}
		if len(it.Text) > maxContentLen {
			it.Text = it.Text[:maxContentLen]
		}
		ix.remember(it)

		if ix.db == nil {
			continue
		}
		coll, err := ix.collection(it.UserID, it.Kind)
		if err != nil {
			return fmt.Errorf("collection: %w", err)
		}
		err = coll.AddDocument(ctx, chromem.Document{
			ID:      it.ID,
			Content: it.Text,
			Metadata: map[string]string{
				"kind": string(it.Kind),
				"time": it.Time.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return fmt.Errorf("index %s: %w", it.ID, err)
		}
	}
	return nil
}

func (ix *Index) remember(it Item) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key := recentKey(it.UserID, it.Kind)
	list := slices.DeleteFunc(ix.recent[key], func(o Item) bool { return o.ID == it.ID })
	list = append(list, it)
	slices.SortStableFunc(list, func(a, b Item) int { return a.Time.Compare(b.Time) })
	if len(list) > recentPerKind {
		list = list[len(list)-recentPerKind:]
	}
	ix.recent[key] = list
}

// Retrieve returns up to k excerpts of the given kind for query. With
// no embedder or an empty query it returns the most recent items.
func (ix *Index) Retrieve(ctx context.Context, userID string, kind Kind, query string, k int) ([]Excerpt, error) {
	if k <= 0 {
		return nil, nil
	}
	if ix.db == nil || strings.TrimSpace(query) == "" {
		return ix.mostRecent(userID, kind, k), nil
	}

	coll, err := ix.collection(userID, kind)
	if err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	n := min(k, coll.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := coll.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}

	out := make([]Excerpt, 0, len(results))
	for _, r := range results {
		ts, _ := time.Parse(time.RFC3339, r.Metadata["time"])
		out = append(out, Excerpt{ID: r.ID, Kind: kind, Text: r.Content, Time: ts, Score: r.Similarity})
	}
	return out, nil
}

func (ix *Index) mostRecent(userID string, kind Kind, k int) []Excerpt {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	list := ix.recent[recentKey(userID, kind)]
	var out []Excerpt
	for i := len(list) - 1; i >= 0 && len(out) < k; i-- {
		it := list[i]
		out = append(out, Excerpt{ID: it.ID, Kind: kind, Text: it.Text, Time: it.Time})
	}
	return out
}
