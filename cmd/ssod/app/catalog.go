package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

// Catalog is the YAML file listing the clients to register and the users
// known to the static directory.
//
//	clients:
//	  - id: grafana
//	    name: Grafana
//	    redirect_uris: [https://grafana.example.com/login/generic_oauth]
//	    scopes: [openid, profile, email]
//	    confidential: true
//	    secret_env: GRAFANA_CLIENT_SECRET
//	users:
//	  - id: alice
//	    name: Alice Example
//	    email: alice@example.com
//	    groups: [engineering]
type Catalog struct {
	Clients []CatalogClient `yaml:"clients"`
	Users   []CatalogUser   `yaml:"users"`
}

type CatalogClient struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Confidential bool     `yaml:"confidential"`
	Trusted      bool     `yaml:"trusted"`
	Service      bool     `yaml:"service"`

	// SecretEnv names the environment variable holding the client secret.
	// Secrets are never read from the catalog itself.
	SecretEnv string `yaml:"secret_env"`
}

type CatalogUser struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Username      string   `yaml:"username"`
	Email         string   `yaml:"email"`
	EmailVerified bool     `yaml:"email_verified"`
	Groups        []string `yaml:"groups"`
	Admin         bool     `yaml:"admin"`
}

// LoadCatalog reads and validates a catalog file. Unknown keys are rejected.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	cat, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("error loading catalog from %s: %w", path, err)
	}
	return cat, nil
}

func parseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate client %q", cl.ID)
		}
		seen[cl.ID] = true
		if len(cl.RedirectURIs) == 0 {
			return fmt.Errorf("client %q: at least one redirect URI is required", cl.ID)
		}
		if cl.Confidential && cl.SecretEnv == "" {
			return fmt.Errorf("client %q: confidential clients need secret_env", cl.ID)
		}
		if !cl.Confidential && cl.SecretEnv != "" {
			return fmt.Errorf("client %q: public clients have no secret", cl.ID)
		}
	}

	users := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if users[u.ID] {
			return fmt.Errorf("duplicate user %q", u.ID)
		}
		users[u.ID] = true
	}
	return nil
}

// syncClients registers catalog clients missing from the registry. Existing
// clients are left untouched so that rotated secrets survive restarts.
func syncClients(ctx context.Context, reg *registry.Registry, cat *Catalog, getenv func(string) string, logger *slog.Logger) (int, error) {
	registered := 0
	for _, cl := range cat.Clients {
		if _, err := reg.Get(cl.ID); err == nil {
			logger.Debug("Catalog client already registered", "client_id", cl.ID)
			continue
		} else if !errors.Is(err, storage.ErrClientNotFound) {
			return registered, err
		}

		var secret string
		if cl.Confidential {
			if secret = getenv(cl.SecretEnv); secret == "" {
				return registered, fmt.Errorf("client %q: environment variable %s is empty", cl.ID, cl.SecretEnv)
			}
		}

		if _, _, err := reg.Register(ctx, registry.Registration{
			ClientID:     cl.ID,
			ClientName:   cl.Name,
			RedirectURIs: cl.RedirectURIs,
			Scopes:       cl.Scopes,
			Confidential: cl.Confidential,
			Trusted:      cl.Trusted,
			Service:      cl.Service,
			Secret:       secret,
		}); err != nil {
			return registered, fmt.Errorf("failed to register client %q: %w", cl.ID, err)
		}
		registered++
	}
	return registered, nil
}

// Directory is a static server.UserDirectory built from the catalog. It
// also resolves groups for batch jobs.
type Directory struct {
	users  map[string]*server.UserProfile
	groups map[string][]string
}

var _ server.UserDirectory = (*Directory)(nil)

// NewDirectory indexes users by ID and by group.
func NewDirectory(users []CatalogUser) *Directory {
	d := &Directory{
		users:  make(map[string]*server.UserProfile, len(users)),
		groups: make(map[string][]string),
	}
	for _, u := range users {
		d.users[u.ID] = &server.UserProfile{
			Subject:           u.ID,
			Name:              u.Name,
			PreferredUsername: u.Username,
			Email:             u.Email,
			EmailVerified:     u.EmailVerified,
			Groups:            slices.Clone(u.Groups),
			Admin:             u.Admin,
		}
		for _, g := range u.Groups {
			d.groups[g] = append(d.groups[g], u.ID)
		}
	}
	for _, members := range d.groups {
		sort.Strings(members)
	}
	return d
}

// LookupUser returns a copy of the user's profile. Users missing from the
// catalog get a profile carrying only the subject.
func (d *Directory) LookupUser(_ context.Context, userID string) (*server.UserProfile, error) {
	p, ok := d.users[userID]
	if !ok {
		return &server.UserProfile{Subject: userID}, nil
	}
	out := *p
	out.Groups = slices.Clone(p.Groups)
	return &out, nil
}

// GroupMembers returns the sorted IDs of the group's members.
func (d *Directory) GroupMembers(_ context.Context, group string) ([]string, error) {
	return slices.Clone(d.groups[group]), nil
}
