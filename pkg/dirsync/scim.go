package dirsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// scimPageSize is the itemsPerPage requested on list calls.
const scimPageSize = 100

// scimRequestTimeout bounds each list call to the directory.
const scimRequestTimeout = 10 * time.Second

// SCIMSource fetches users and groups from a SCIM v2 service provider
// using filtered list requests with startIndex paging.
type SCIMSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewSCIMSource creates a source for the given SCIM base URL (the path
// containing /Users and /Groups) and bearer token.
func NewSCIMSource(baseURL, token string) *SCIMSource {
	return &SCIMSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   scimRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type scimListResponse struct {
	TotalResults int               `json:"totalResults"`
	ItemsPerPage int               `json:"itemsPerPage"`
	StartIndex   int               `json:"startIndex"`
	Resources    []json.RawMessage `json:"Resources"`
}

type scimUser struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Active   bool   `json:"active"`
	Title    string `json:"title"`
	Name     struct {
		Formatted  string `json:"formatted"`
		GivenName  string `json:"givenName"`
		FamilyName string `json:"familyName"`
	} `json:"name"`
	Emails []struct {
		Value   string `json:"value"`
		Primary bool   `json:"primary"`
	} `json:"emails"`
}

type scimGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Members     []struct {
		Value string `json:"value"`
	} `json:"members"`
}

// Fetch lists users and groups per the options. Incremental fetches use a
// `meta.lastModified gt` filter; otherwise the configured list filters
// apply.
func (s *SCIMSource) Fetch(ctx context.Context, opts FetchOptions) (*Snapshot, error) {
	snapshot := &Snapshot{}

	if opts.IncludeUsers {
		users, err := s.fetchUsers(ctx, listFilter(opts.ModifiedSince, opts.UserFilter))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch SCIM users: %w", err)
		}
		snapshot.Users = users
	}

	if opts.IncludeGroups {
		groups, memberships, err := s.fetchGroups(ctx, listFilter(opts.ModifiedSince, opts.GroupFilter))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch SCIM groups: %w", err)
		}
		snapshot.Groups = groups
		snapshot.Memberships = memberships
	}

	return snapshot, nil
}

// listFilter builds the SCIM filter expression: modified-since wins over
// the configured filter, which only applies on a first (cursor-less) run.
func listFilter(since *time.Time, configured string) string {
	if since != nil {
		return fmt.Sprintf("meta.lastModified gt %q", since.UTC().Format(time.RFC3339))
	}
	return configured
}

func (s *SCIMSource) fetchUsers(ctx context.Context, filter string) ([]ExternalUser, error) {
	var users []ExternalUser
	err := s.listAll(ctx, "/Users", filter, func(raw json.RawMessage) error {
		var u scimUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("malformed SCIM user: %w", err)
		}
		users = append(users, normalizeSCIMUser(u))
		return nil
	})
	return users, err
}

func (s *SCIMSource) fetchGroups(ctx context.Context, filter string) ([]ExternalGroup, []Membership, error) {
	var groups []ExternalGroup
	var memberships []Membership
	err := s.listAll(ctx, "/Groups", filter, func(raw json.RawMessage) error {
		var g scimGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("malformed SCIM group: %w", err)
		}
		groups = append(groups, ExternalGroup{ExternalID: g.ID, DisplayName: g.DisplayName})
		for _, member := range g.Members {
			memberships = append(memberships, Membership{
				UserExternalID:  member.Value,
				GroupExternalID: g.ID,
			})
		}
		return nil
	})
	return groups, memberships, err
}

// listAll pages through a SCIM list endpoint, invoking each for every
// resource.
func (s *SCIMSource) listAll(ctx context.Context, path, filter string, each func(json.RawMessage) error) error {
	startIndex := 1 // SCIM indexes are 1-based
	for {
		page, err := s.listPage(ctx, path, filter, startIndex)
		if err != nil {
			return err
		}

		for _, raw := range page.Resources {
			if err := each(raw); err != nil {
				return err
			}
		}

		fetched := startIndex - 1 + len(page.Resources)
		if len(page.Resources) == 0 || fetched >= page.TotalResults {
			return nil
		}
		startIndex = fetched + 1
	}
}

// listPage performs one GET. List calls are idempotent, so a transient
// failure gets a single retry.
func (s *SCIMSource) listPage(ctx context.Context, path, filter string, startIndex int) (*scimListResponse, error) {
	page, err := s.doListPage(ctx, path, filter, startIndex)
	if err != nil && ctx.Err() == nil {
		page, err = s.doListPage(ctx, path, filter, startIndex)
	}
	return page, err
}

func (s *SCIMSource) doListPage(ctx context.Context, path, filter string, startIndex int) (*scimListResponse, error) {
	query := url.Values{}
	query.Set("startIndex", strconv.Itoa(startIndex))
	query.Set("count", strconv.Itoa(scimPageSize))
	if filter != "" {
		query.Set("filter", filter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build SCIM request: %w", err)
	}
	req.Header.Set("Accept", "application/scim+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SCIM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("SCIM request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page scimListResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode SCIM list response: %w", err)
	}
	return &page, nil
}

func normalizeSCIMUser(u scimUser) ExternalUser {
	user := ExternalUser{
		ExternalID: u.ID,
		Username:   u.UserName,
		Active:     u.Active,
		Attributes: map[string]string{},
	}

	for _, email := range u.Emails {
		if email.Primary || user.Email == "" {
			user.Email = email.Value
		}
	}

	user.DisplayName = u.Name.Formatted
	if user.DisplayName == "" {
		user.DisplayName = strings.TrimSpace(u.Name.GivenName + " " + u.Name.FamilyName)
	}

	if u.Title != "" {
		user.Attributes["title"] = u.Title
	}
	if u.Name.GivenName != "" {
		user.Attributes["given_name"] = u.Name.GivenName
	}
	if u.Name.FamilyName != "" {
		user.Attributes["family_name"] = u.Name.FamilyName
	}

	return user
}
