package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxEntries = "diary_entries"
	idxUsers   = "diary_users"
)

// Meili indexes diary entries and user profiles in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *slog.Logger
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// is returned even when the first health check fails; a background loop
// keeps probing and reconfigures indexes on recovery.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    logger,
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxEntries,
			primaryKey: "id",
			filterable: []string{"userId", "date"},
			searchable: []string{"text"},
		},
		{
			uid:        idxUsers,
			primaryKey: "id",
			filterable: []string{"id"},
			searchable: []string{"nickname", "username"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			m.log.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			m.log.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) search(req *meili.SearchRequest) ([]meili.Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{req},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}
	var hits []meili.Hit
	for _, sr := range resp.Results {
		hits = append(hits, sr.Hits...)
	}
	return hits, nil
}

// SearchEntries only ever returns entries owned by userID.
func (m *Meili) SearchEntries(userID, text string, limit int) ([]EntryHit, error) {
	hits, err := m.search(&meili.SearchRequest{
		IndexUID:              idxEntries,
		Query:                 text,
		Limit:                 int64(limit),
		Filter:                []string{fmt.Sprintf("userId = %q", userID)},
		AttributesToHighlight: []string{"text"},
		AttributesToCrop:      []string{"text"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		return nil, err
	}
	results := make([]EntryHit, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hitToEntry(hit))
	}
	return results, nil
}

func (m *Meili) SearchUsers(text, excludeUserID string, limit int) ([]UserHit, error) {
	req := &meili.SearchRequest{
		IndexUID: idxUsers,
		Query:    text,
		Limit:    int64(limit),
	}
	if excludeUserID != "" {
		req.Filter = []string{fmt.Sprintf("id != %q", excludeUserID)}
	}
	hits, err := m.search(req)
	if err != nil {
		return nil, err
	}
	results := make([]UserHit, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hitToUser(hit))
	}
	return results, nil
}

func hitToEntry(hit meili.Hit) EntryHit {
	return EntryHit{
		ID:      decodeString(hit, "id"),
		Date:    decodeString(hit, "date"),
		Snippet: firstNonBlank(decodeFormattedString(hit, "text"), snippet(decodeString(hit, "text"))),
	}
}

func hitToUser(hit meili.Hit) UserHit {
	return UserHit{
		ID:        decodeString(hit, "id"),
		Username:  decodeString(hit, "username"),
		Nickname:  decodeString(hit, "nickname"),
		AvatarURL: decodeString(hit, "avatarUrl"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexEntries(entries []EntryRecord) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := m.client.Index(idxEntries).AddDocuments(entries, nil)
	return err
}

func (m *Meili) DeleteEntry(id string) error {
	_, err := m.client.Index(idxEntries).DeleteDocument(id, nil)
	return err
}

func (m *Meili) IndexUsers(users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Index(idxUsers).AddDocuments(users, nil)
	return err
}
