package databases

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/matrixagent/matrix/pkg/config"
)

// chromemDatabaseProvider is an embedded, optionally persistent vector
// store. It is the zero-infrastructure fallback when no qdrant server
// is configured.
type chromemDatabaseProvider struct {
	db     *chromem.DB
	config *config.VectorStoreConfig

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewChromemDatabaseProviderFromConfig(cfg *config.VectorStoreConfig) (DatabaseProvider, error) {
	var db *chromem.DB
	var err error

	if cfg.Path != "" {
		persistFile := filepath.Join(cfg.Path, "matrix.gob")
		db, err = chromem.NewPersistentDB(persistFile, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &chromemDatabaseProvider{
		db:          db,
		config:      cfg,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// All documents arrive with precomputed embeddings, so the collection
// embedding function must never run.
func unusedEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem provider only accepts precomputed embeddings")
}

func (db *chromemDatabaseProvider) getCollection(name string) (*chromem.Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if col, ok := db.collections[name]; ok {
		return col, nil
	}

	col, err := db.db.GetOrCreateCollection(name, nil, unusedEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	db.collections[name] = col
	return col, nil
}

func (db *chromemDatabaseProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]interface{}) error {
	col, err := db.getCollection(collection)
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(metadata))
	content := ""
	for key, value := range metadata {
		str := fmt.Sprintf("%v", value)
		meta[key] = str
		if key == "text" || (key == "content" && content == "") {
			content = str
		}
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  meta,
	})
	if err != nil {
		return fmt.Errorf("failed to add document %s: %w", id, err)
	}
	return nil
}

func (db *chromemDatabaseProvider) Has(ctx context.Context, collection string, id string) (bool, error) {
	col, err := db.getCollection(collection)
	if err != nil {
		return false, err
	}

	// GetByID only fails when the id is absent.
	if _, err := col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

func (db *chromemDatabaseProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchResult, error) {
	return db.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (db *chromemDatabaseProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]SearchResult, error) {
	col, err := db.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than stored docs.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	where := make(map[string]string, len(filter))
	for key, value := range filter {
		where[key] = fmt.Sprintf("%v", value)
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]interface{}, len(r.Metadata))
		for key, value := range r.Metadata {
			metadata[key] = value
		}
		out = append(out, SearchResult{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (db *chromemDatabaseProvider) Delete(ctx context.Context, collection string, id string) error {
	col, err := db.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

func (db *chromemDatabaseProvider) CreateCollection(ctx context.Context, collection string, vectorSize uint64) error {
	_, err := db.getCollection(collection)
	return err
}

func (db *chromemDatabaseProvider) DeleteCollection(ctx context.Context, collection string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.collections, collection)
	if err := db.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

func (db *chromemDatabaseProvider) Close() error {
	return nil
}

var _ DatabaseProvider = (*chromemDatabaseProvider)(nil)
