package index

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go-remote-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const (
	defaultIndexPath = "catalog.bleve"
	idPrefix         = "e_"
	batchSize        = 500
)

// Item is the indexed form of a catalog entry. Fields are searchable by their
// JSON tag names, e.g. '+kind:directory' or '+ext:mkv'.
type Item struct {
	ID         string    `json:"id"`   // e_<entry id>
	Kind       string    `json:"kind"` // file or directory
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Dir        string    `json:"dir"`
	Ext        string    `json:"ext,omitempty"`
	Note       string    `json:"note,omitempty"`
	SizeKB     float64   `json:"sizeKB,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
}

// ErrIndexBusy is returned when another process holds the index open.
var ErrIndexBusy = errors.New("full-text index is in use by another process")

// DefaultLockTimeout bounds how long opening an index waits for its lock.
const DefaultLockTimeout = time.Second

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it
// doesn't exist, waiting at most DefaultLockTimeout for the index lock.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	return OpenOrCreateIndexTimeout(indexPath, DefaultLockTimeout)
}

// OpenOrCreateIndexTimeout is OpenOrCreateIndex with an explicit lock wait.
func OpenOrCreateIndexTimeout(indexPath string, lockTimeout time.Duration) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.OpenUsing(indexPath, map[string]interface{}{
		"bolt_timeout": lockTimeout.String(),
	})
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		if _, statErr := os.Stat(indexPath); statErr == nil {
			// The root file lock is the only thing that keeps an existing index from opening.
			return nil, fmt.Errorf("%w: %s: %v", ErrIndexBusy, indexPath, err)
		}
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// ItemFromEntry converts a stored catalog entry.
func ItemFromEntry(e models.Entry) Item {
	item := Item{
		ID:         DocID(e.ID),
		Kind:       string(e.Kind),
		Name:       e.Name,
		Path:       e.Path,
		Dir:        e.Dir,
		Note:       e.Note,
		ModifiedAt: e.ModifiedAt,
		LastSeen:   e.LastSeen,
	}
	if !e.IsDir() {
		item.Ext = strings.ToLower(strings.TrimPrefix(path.Ext(e.Name), "."))
		item.SizeKB = float64(e.SizeOrZero()) / 1024
	}
	return item
}

// DocID is the document id for a catalog entry id.
func DocID(entryID int64) string {
	return idPrefix + strconv.FormatInt(entryID, 10)
}

// EntryID parses a document id back into a catalog entry id.
func EntryID(docID string) (int64, bool) {
	if !strings.HasPrefix(docID, idPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(docID, idPrefix), 10, 64)
	return id, err == nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// IndexEntries adds or updates entries in batches. Entries without an id are skipped.
func IndexEntries(index bleve.Index, entries []models.Entry) error {
	batch := index.NewBatch()
	for _, e := range entries {
		if e.ID == 0 {
			continue
		}
		item := ItemFromEntry(e)
		if err := batch.Index(item.ID, item); err != nil {
			return fmt.Errorf("indexing %s: %w", e.Path, err)
		}
		if batch.Size() >= batchSize {
			if err := index.Batch(batch); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		return index.Batch(batch)
	}
	return nil
}

// SearchIndex performs a query-string search and returns matching entry ids
// in score order.
func SearchIndex(index bleve.Index, query string, limit int) ([]int64, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	if limit > 0 {
		searchRequest.Size = limit
	} else {
		searchRequest.Size = 1000
	}
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(searchResults.Hits))
	for _, hit := range searchResults.Hits {
		if id, ok := EntryID(hit.ID); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
