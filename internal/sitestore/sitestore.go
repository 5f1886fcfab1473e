package sitestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// Store provides read access to the geofence definitions owned by the
// site-management collaborator. The core never mutates them.
type Store interface {
	// ActiveGeofences returns the active geofences for a site.
	ActiveGeofences(ctx context.Context, siteID string) ([]datamodel.Geofence, error)
}

// HTTPStore fetches geofences from the site-management read API and caches
// them in the tiered cache, so the streaming path does not hit the
// collaborator on every ping.
type HTTPStore struct {
	baseURL    string
	authHeader string
	client     *http.Client
}

func NewHTTPStore(baseURL string, serviceUser string, serviceKey string) *HTTPStore {
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", serviceUser, serviceKey)))
	return &HTTPStore{
		baseURL:    baseURL,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPStore) ActiveGeofences(ctx context.Context, siteID string) ([]datamodel.Geofence, error) {
	cacheKey := "geofences:" + siteID
	if hit, raw := internal.GetTiered(cacheKey); hit {
		var fences []datamodel.Geofence
		if err := json.Unmarshal(raw, &fences); err == nil {
			return fences, nil
		}
		zap.S().Warnf("Discarding unparseable cached geofences for site %s", siteID)
	}

	url := fmt.Sprintf("%s/sites/%s/geofences?active=true", s.baseURL, siteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.authHeader)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching geofences for site %s: %w", siteID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("site API returned %d for site %s", resp.StatusCode, siteID)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var fences []datamodel.Geofence
	if err := json.Unmarshal(raw, &fences); err != nil {
		return nil, fmt.Errorf("decoding geofences for site %s: %w", siteID, err)
	}

	active := fences[:0]
	for _, f := range fences {
		if f.Active {
			active = append(active, f)
		}
	}

	if cached, err := json.Marshal(active); err == nil {
		internal.SetTieredShortTerm(cacheKey, cached)
	}
	return active, nil
}

// Memory is an in-process Store used in tests and local development.
type Memory struct {
	mu     sync.RWMutex
	fences map[string][]datamodel.Geofence
}

func NewMemory() *Memory {
	return &Memory{fences: make(map[string][]datamodel.Geofence)}
}

func (m *Memory) Put(fence datamodel.Geofence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fences[fence.SiteID] = append(m.fences[fence.SiteID], fence)
}

func (m *Memory) ActiveGeofences(_ context.Context, siteID string) ([]datamodel.Geofence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []datamodel.Geofence
	for _, f := range m.fences[siteID] {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}
