package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marcospaulo/makeitrain/internal/domain/resource"
)

// inventory is the on-disk YAML shape of the account and proxy pools.
// Account passwords are plaintext in the file and sealed in memory at load.
type inventory struct {
	Accounts []struct {
		ID       string `yaml:"id"`
		Label    string `yaml:"label"`
		Geo      string `yaml:"geo"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"accounts"`
	Proxies []struct {
		ID    string `yaml:"id"`
		Label string `yaml:"label"`
		Geo   string `yaml:"geo"`
		URL   string `yaml:"url"`
	} `yaml:"proxies"`
}

// loadResources reads the resource inventory file and seals account
// credentials with a key derived from secret.
func loadResources(path, secret string) (accounts, proxies []*resource.Resource, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read resources file: %w", err)
	}

	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, nil, fmt.Errorf("parse resources file: %w", err)
	}

	key := resource.DeriveKey(secret)
	for _, a := range inv.Accounts {
		if a.ID == "" || a.Username == "" {
			return nil, nil, fmt.Errorf("account entry missing id or username")
		}
		sealed, err := resource.Seal([]byte(a.Password), key)
		if err != nil {
			return nil, nil, fmt.Errorf("seal credential for account %s: %w", a.ID, err)
		}
		accounts = append(accounts, &resource.Resource{
			ID:         a.ID,
			Type:       resource.TypeAccount,
			Label:      a.Label,
			Geo:        a.Geo,
			Username:   a.Username,
			Credential: sealed,
			State:      resource.StateActive,
		})
	}

	for _, p := range inv.Proxies {
		if p.ID == "" || p.URL == "" {
			return nil, nil, fmt.Errorf("proxy entry missing id or url")
		}
		proxies = append(proxies, &resource.Resource{
			ID:    p.ID,
			Type:  resource.TypeProxy,
			Label: p.Label,
			Geo:   p.Geo,
			URL:   p.URL,
			State: resource.StateActive,
		})
	}

	return accounts, proxies, nil
}
