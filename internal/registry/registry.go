// Package registry is the read-mostly host and transfer-recipe table.
// It is loaded once at startup and never mutated afterward.
package registry

import (
	"fmt"

	"github.com/hiware-ops/sshconsole/internal/config"
)

// HostConfig describes one registered SSH endpoint.
type HostConfig struct {
	Alias    string
	Host     string
	Port     int
	Username string
	Password string
}

// TransferRecipe describes one named server-to-server file copy.
type TransferRecipe struct {
	Name     string
	SrcAlias string
	SrcPath  string
	DstAlias string
	DstPath  string
}

// Registry is the immutable alias -> HostConfig and name -> TransferRecipe
// lookup table.
type Registry struct {
	hosts     map[string]HostConfig
	transfers map[string]TransferRecipe
	ordered   []HostConfig
}

// ErrNotFound is returned when an alias or recipe name does not resolve.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Build validates and assembles a Registry from loaded host and transfer
// entries. Invalid entries (bad port, unresolved alias in a recipe, blank
// host) fail with an error that should be fatal at startup.
func Build(hostEntries []config.HostEntry, transferEntries []config.TransferEntry) (*Registry, error) {
	hosts := make(map[string]HostConfig, len(hostEntries))
	ordered := make([]HostConfig, 0, len(hostEntries))
	for _, h := range hostEntries {
		if h.Alias == "" {
			return nil, fmt.Errorf("host entry missing alias")
		}
		if h.Host == "" {
			return nil, fmt.Errorf("host %q: empty host", h.Alias)
		}
		if h.Port < 1 || h.Port > 65535 {
			return nil, fmt.Errorf("host %q: port %d out of range", h.Alias, h.Port)
		}
		if _, dup := hosts[h.Alias]; dup {
			return nil, fmt.Errorf("duplicate host alias %q", h.Alias)
		}
		hc := HostConfig{
			Alias:    h.Alias,
			Host:     h.Host,
			Port:     h.Port,
			Username: h.Username,
			Password: h.Password,
		}
		hosts[h.Alias] = hc
		ordered = append(ordered, hc)
	}

	transfers := make(map[string]TransferRecipe, len(transferEntries))
	for _, t := range transferEntries {
		if t.Name == "" {
			return nil, fmt.Errorf("transfer entry missing name")
		}
		if _, ok := hosts[t.SrcAlias]; !ok {
			return nil, fmt.Errorf("transfer %q: unknown src alias %q", t.Name, t.SrcAlias)
		}
		if _, ok := hosts[t.DstAlias]; !ok {
			return nil, fmt.Errorf("transfer %q: unknown dst alias %q", t.Name, t.DstAlias)
		}
		if _, dup := transfers[t.Name]; dup {
			return nil, fmt.Errorf("duplicate transfer name %q", t.Name)
		}
		transfers[t.Name] = TransferRecipe{
			Name:     t.Name,
			SrcAlias: t.SrcAlias,
			SrcPath:  t.SrcPath,
			DstAlias: t.DstAlias,
			DstPath:  t.DstPath,
		}
	}

	return &Registry{hosts: hosts, transfers: transfers, ordered: ordered}, nil
}

// ResolveHost looks up a host alias.
func (r *Registry) ResolveHost(alias string) (HostConfig, error) {
	h, ok := r.hosts[alias]
	if !ok {
		return HostConfig{}, &ErrNotFound{Kind: "host alias", Key: alias}
	}
	return h, nil
}

// ResolveTransfer looks up a transfer recipe by name.
func (r *Registry) ResolveTransfer(name string) (TransferRecipe, error) {
	t, ok := r.transfers[name]
	if !ok {
		return TransferRecipe{}, &ErrNotFound{Kind: "transfer recipe", Key: name}
	}
	return t, nil
}

// AllHosts returns every registered host, in load order.
func (r *Registry) AllHosts() []HostConfig {
	out := make([]HostConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}
