// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config parses edgeproxy's YAML configuration document into
// the structs the rest of the packages consume (location tree, peer
// sets, cache store). The teacher has no config-file layer of its own
// — it only ever reads flag.* values — so the document format here is
// new, but validation keeps the teacher's direct-construction idiom:
// a Load function that decodes and then validates/defaults inline,
// the same way NewWorker and NewRedisPersister do.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the parsed configuration document.
type Config struct {
	Server    Server     `yaml:"server"`
	Upstreams []Upstream `yaml:"upstreams"`
	Locations []Location `yaml:"locations"`
	Cache     *Cache     `yaml:"cache,omitempty"`
}

// Server holds listener-scoped directives.
type Server struct {
	Listen               string        `yaml:"listen"`
	Root                 string        `yaml:"root"` // document root TRY_FILES checks candidates against
	ClientMaxBodySize    int64         `yaml:"client_max_body_size"`
	ClientBodyBufferSize int           `yaml:"client_body_buffer_size"`
	ClientBodyInFile     string        `yaml:"client_body_in_file_only"` // off|on|clean
	SendTimeout          time.Duration `yaml:"send_timeout"`
	KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`
	KeepaliveRequests     int          `yaml:"keepalive_requests"`
	Resolver             []string      `yaml:"resolver"`
	ResolverTimeout       time.Duration `yaml:"resolver_timeout"`
}

// Peer is one backend server entry within an Upstream block.
type Peer struct {
	Addr        string        `yaml:"addr"`
	Weight      int           `yaml:"weight"`
	MaxFails    int           `yaml:"max_fails"`
	FailTimeout time.Duration `yaml:"fail_timeout"`
	Down        bool          `yaml:"down"`
	Backup      bool          `yaml:"backup"`
}

// Upstream is a named peer set and its load-balancing strategy.
type Upstream struct {
	Name    string `yaml:"name"`
	Balance string `yaml:"balance"` // round_robin|rendezvous
	Peers   []Peer `yaml:"servers"`
}

// Location mirrors a `location [= | ~ | ~* | ^~ | @] pattern { ... }`
// block. Selector is one of "", "=", "~", "~*", "^~", "@".
type Location struct {
	Selector          string            `yaml:"selector"`
	Pattern           string            `yaml:"pattern"`
	Internal          bool              `yaml:"internal"`
	ProxyPass         string            `yaml:"proxy_pass"`
	TryFiles          []string          `yaml:"try_files"`
	ErrorPages        map[int]string    `yaml:"error_page"`
	Satisfy           string            `yaml:"satisfy"` // all|any
	Allow             []string          `yaml:"allow"`
	Deny              []string          `yaml:"deny"`
	ClientMaxBodySize int64             `yaml:"client_max_body_size"`
	CacheValid        []CacheValidRule  `yaml:"cache_valid"`
	CacheBypassVars   []string          `yaml:"cache_bypass"`
	NoCacheVars       []string          `yaml:"no_cache"`
	NextUpstreamMask  []string          `yaml:"next_upstream"`
	NextUpstreamTries int               `yaml:"next_upstream_tries"`
	NextUpstreamTimeout time.Duration   `yaml:"next_upstream_timeout"`
	HideHeaders       []string          `yaml:"hide_headers"`
	PassHeaders       []string          `yaml:"pass_headers"`
}

// CacheValidRule maps a set of status codes to a validity duration.
type CacheValidRule struct {
	Codes    []int         `yaml:"codes"`
	Duration time.Duration `yaml:"duration"`
}

// Cache mirrors `proxy_cache_path path levels=L keys_zone=name:size
// inactive=T max_size=S [use_temp_path=off]`.
type Cache struct {
	Path         string        `yaml:"path"`
	KeysZoneName string        `yaml:"keys_zone_name"`
	KeysZoneSize int64         `yaml:"keys_zone_size"`
	Inactive     time.Duration `yaml:"inactive"`
	MaxSize      int64         `yaml:"max_size"`
	UseTempPath  bool          `yaml:"use_temp_path"`
	MinUses      int           `yaml:"min_uses"`
	LockTimeout  time.Duration `yaml:"cache_lock_timeout"`
}

// Load reads and decodes the YAML document at path, applying defaults
// and validating it the way the teacher's NewX constructors do
// in-line rather than through a separate schema layer.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ClientBodyBufferSize == 0 {
		c.Server.ClientBodyBufferSize = 16 << 10
	}
	if c.Server.KeepaliveTimeout == 0 {
		c.Server.KeepaliveTimeout = 75 * time.Second
	}
	if c.Server.KeepaliveRequests == 0 {
		c.Server.KeepaliveRequests = 1000
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Balance == "" {
			c.Upstreams[i].Balance = "round_robin"
		}
		for j := range c.Upstreams[i].Peers {
			p := &c.Upstreams[i].Peers[j]
			if p.Weight == 0 {
				p.Weight = 1
			}
			if p.MaxFails == 0 {
				p.MaxFails = 1
			}
			if p.FailTimeout == 0 {
				p.FailTimeout = 10 * time.Second
			}
		}
	}
	for i := range c.Locations {
		if c.Locations[i].Satisfy == "" {
			c.Locations[i].Satisfy = "all"
		}
		if c.Locations[i].NextUpstreamTries == 0 {
			c.Locations[i].NextUpstreamTries = len(upstreamForLocation(c, &c.Locations[i]))
		}
	}
	if c.Cache != nil {
		if c.Cache.MinUses == 0 {
			c.Cache.MinUses = 1
		}
		if c.Cache.LockTimeout == 0 {
			c.Cache.LockTimeout = 5 * time.Second
		}
	}
}

func upstreamForLocation(c *Config, l *Location) []Peer {
	for _, u := range c.Upstreams {
		if u.Name == l.ProxyPass {
			return u.Peers
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	seen := make(map[string]bool)
	for _, u := range c.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("config: upstream with empty name")
		}
		if seen[u.Name] {
			return fmt.Errorf("config: duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true
		if len(u.Peers) == 0 {
			return fmt.Errorf("config: upstream %q has no servers", u.Name)
		}
		switch u.Balance {
		case "round_robin", "rendezvous":
		default:
			return fmt.Errorf("config: upstream %q: unknown balance strategy %q", u.Name, u.Balance)
		}
	}
	for _, l := range c.Locations {
		switch l.Satisfy {
		case "all", "any":
		default:
			return fmt.Errorf("config: location %q: satisfy must be all|any, got %q", l.Pattern, l.Satisfy)
		}
		if l.ProxyPass != "" && !seen[l.ProxyPass] {
			return fmt.Errorf("config: location %q: proxy_pass references unknown upstream %q", l.Pattern, l.ProxyPass)
		}
	}
	return nil
}
