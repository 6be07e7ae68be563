// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/stewardhq/steward/lib/config"
	"github.com/stewardhq/steward/lib/httpx"
	"github.com/stewardhq/steward/lib/secret"
)

// Graph OData type discriminators. Group member listings mix users,
// groups, and devices; the discriminator picks out what we want.
const (
	odataTypeUser  = "#microsoft.graph.user"
	odataTypeGroup = "#microsoft.graph.group"
)

// GraphClient fetches group membership from Microsoft Graph using
// client-credentials OAuth2. The managed rooms are defined by the
// member groups of one configured root group; each member group's
// display name carries the room alias after a label, e.g.
// "MTRX #project-x:example.com".
type GraphClient struct {
	httpClient  *http.Client
	baseURL     string
	rootGroupID string
	logger      *slog.Logger
}

// NewGraphClient creates a Graph backend. The client secret is read
// once into the OAuth2 token source; the caller retains ownership of
// the buffer and may close it after this returns.
//
// Requires the application permissions Group.Read.All and
// User.Read.All on the tenant.
func NewGraphClient(cfg config.GraphConfig, clientSecret *secret.Buffer, logger *slog.Logger) *GraphClient {
	if logger == nil {
		logger = slog.Default()
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}
	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret.String(),
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &GraphClient{
		// The oauth2 client caches and refreshes the token across
		// requests. The background context only scopes the token
		// source; individual requests are bounded by their own ctx.
		httpClient:  credentials.Client(context.Background()),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rootGroupID: cfg.RootGroupID,
		logger:      logger,
	}
}

// FetchGroups lists the member groups of the root group and resolves
// each one's transitive user members and owners. Any request failure
// aborts the fetch: a partially-listed group would present as members
// having left the directory, which the reconciler would act on.
func (c *GraphClient) FetchGroups(ctx context.Context) ([]Group, error) {
	rootMembers, err := c.listPaged(ctx,
		c.baseURL+"/groups/"+url.PathEscape(c.rootGroupID)+"/members?$select=id,displayName")
	if err != nil {
		return nil, fmt.Errorf("directory: listing root group members: %w", err)
	}

	var groups []Group
	for _, entry := range rootMembers {
		if entry.Type != odataTypeGroup {
			continue
		}
		members, err := c.groupMembers(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("directory: group %s members: %w", entry.ID, err)
		}
		owners, err := c.groupOwners(ctx, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("directory: group %s owners: %w", entry.ID, err)
		}
		groups = append(groups, Group{
			ID:      entry.ID,
			Name:    aliasFromDisplayName(entry.DisplayName),
			Members: members,
			Owners:  owners,
		})
	}

	c.logger.Debug("fetched directory groups from graph", "groups", len(groups))
	return groups, nil
}

// groupMembers returns the userPrincipalNames of a group's transitive
// user members, excluding disabled accounts. Transitive expansion
// flattens nested groups server-side.
func (c *GraphClient) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	entries, err := c.listPaged(ctx,
		c.baseURL+"/groups/"+url.PathEscape(groupID)+"/transitiveMembers?$select=id,userPrincipalName,accountEnabled")
	if err != nil {
		return nil, err
	}
	var members []string
	for _, entry := range entries {
		if entry.Type != odataTypeUser || entry.UserPrincipalName == "" {
			continue
		}
		if entry.AccountEnabled != nil && !*entry.AccountEnabled {
			continue
		}
		members = append(members, entry.UserPrincipalName)
	}
	return members, nil
}

func (c *GraphClient) groupOwners(ctx context.Context, groupID string) ([]string, error) {
	entries, err := c.listPaged(ctx,
		c.baseURL+"/groups/"+url.PathEscape(groupID)+"/owners?$select=id,userPrincipalName")
	if err != nil {
		return nil, err
	}
	var owners []string
	for _, entry := range entries {
		if entry.UserPrincipalName != "" {
			owners = append(owners, entry.UserPrincipalName)
		}
	}
	return owners, nil
}

// graphPage is one page of a Graph collection response.
type graphPage struct {
	NextLink string          `json:"@odata.nextLink"`
	Value    []graphResource `json:"value"`
}

// graphResource is the union of the fields we select across all Graph
// listings; absent fields decode to zero values.
type graphResource struct {
	Type              string `json:"@odata.type"`
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    *bool  `json:"accountEnabled"`
}

// listPaged fetches a Graph collection, following @odata.nextLink
// until exhausted. requestURL must be absolute.
func (c *GraphClient) listPaged(ctx context.Context, requestURL string) ([]graphResource, error) {
	var resources []graphResource
	for requestURL != "" {
		var page graphPage
		if err := c.get(ctx, requestURL, &page); err != nil {
			return nil, err
		}
		resources = append(resources, page.Value...)
		requestURL = page.NextLink
	}
	return resources, nil
}

func (c *GraphClient) get(ctx context.Context, requestURL string, v any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("building graph request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("graph returned %d: %s", response.StatusCode, httpx.ErrorBody(response.Body))
	}
	if err := httpx.DecodeResponse(response.Body, v); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

// aliasFromDisplayName extracts the room alias from a group display
// name of the form "<label> #alias:server". A name without the label
// is returned whole: if it is not a valid alias either way, the
// normalizer reports it as a skipped group.
func aliasFromDisplayName(displayName string) string {
	if _, alias, found := strings.Cut(displayName, " "); found {
		return alias
	}
	return displayName
}
