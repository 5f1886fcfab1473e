package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"

	"github.com/fieldsentry/fieldsentry/internal"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// Identity is the single authenticated-identity abstraction the rest of the
// core depends on. It is resolved once at the connection or request boundary;
// downstream code never sees raw credential strings.
type Identity interface {
	UserID() string
	Role() datamodel.Role
	PermittedSites() []string
}

// ErrUnauthorized is returned for missing, malformed, or rejected credentials.
var ErrUnauthorized = errors.New("unauthorized")

type resolved struct {
	userID string
	role   datamodel.Role
	sites  []string
}

func (r resolved) UserID() string           { return r.userID }
func (r resolved) Role() datamodel.Role     { return r.role }
func (r resolved) PermittedSites() []string { return r.sites }

// Static builds an Identity from known values, for tests and internal calls.
func Static(userID string, role datamodel.Role, sites ...string) Identity {
	return resolved{userID: userID, role: role, sites: sites}
}

// Resolver turns a bearer token into an Identity using the user/role read
// collaborator. Token issuance and validation live outside the core; the
// collaborator only tells us who an already-authenticated token belongs to.
type Resolver struct {
	baseURL    string
	authHeader string
	client     *http.Client
	cache      *cache.Cache
}

func NewResolver(baseURL string, serviceUser string, serviceKey string) *Resolver {
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", serviceUser, serviceKey)))
	return &Resolver{
		baseURL:    baseURL,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 5 * time.Second},
		// Role changes require reconnect anyway, a short TTL is enough
		cache: cache.New(60*time.Second, 2*time.Minute),
	}
}

type identityResponse struct {
	UserID         string   `json:"userId"`
	Role           string   `json:"role"`
	PermittedSites []string `json:"permittedSites"`
}

// Resolve looks up the identity behind a bearer token. Results are cached
// briefly, keyed by a hash of the token so the token itself is never stored.
func (r *Resolver) Resolve(ctx context.Context, bearerToken string) (Identity, error) {
	if bearerToken == "" {
		return nil, ErrUnauthorized
	}

	cacheKey := strconv.FormatUint(internal.AsXXHash([]byte(bearerToken)), 16)
	if v, hit := r.cache.Get(cacheKey); hit {
		return v.(resolved), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/identity", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", r.authHeader)
	req.Header.Set("X-Subject-Token", bearerToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("identity API returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var body identityResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding identity response: %w", err)
	}

	role := datamodel.Role(body.Role)
	switch role {
	case datamodel.RoleAgent, datamodel.RoleSupervisor, datamodel.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, body.Role)
	}

	id := resolved{userID: body.UserID, role: role, sites: body.PermittedSites}
	r.cache.SetDefault(cacheKey, id)
	return id, nil
}
