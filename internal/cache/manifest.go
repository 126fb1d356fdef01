// Package cache is the tiered request router that serves application assets
// from versioned cache generations, the network, or an offline placeholder.
package cache

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/okcolf/colfexpress/internal/errors"
)

// Manifest is the fixed routing table of a deployable revision.
type Manifest struct {
	CoreVersion     string   `toml:"core_version" yaml:"core_version" json:"core_version"`
	StaticVersion   string   `toml:"static_version" yaml:"static_version" json:"static_version"`
	OfflineDocument string   `toml:"offline_document" yaml:"offline_document" json:"offline_document"`
	CoreAssets      []string `toml:"core_assets" yaml:"core_assets" json:"core_assets"`
	StaticAssets    []string `toml:"static_assets" yaml:"static_assets" json:"static_assets"`
	NetworkFirst    []string `toml:"network_first" yaml:"network_first" json:"network_first"`
}

// runtimeAssets are the entry document and the scripts and styles it loads.
// They are precached and always tried on the network first.
var runtimeAssets = []string{
	"/index.html",
	"/css/main.css",
	"/js/db.js",
	"/js/app.js",
	"/js/sync.js",
	"/js/log.js",
	"/js/services.js",
	"/js/controllers.js",
	"/js/conf.js",
	"/js/utils.js",
	"https://unpkg.com/onsenui/css/onsenui.css",
	"https://unpkg.com/onsenui/css/onsen-css-components.min.css",
	"https://unpkg.com/onsenui/js/onsenui.min.js",
}

// DefaultManifest returns the routing table of the bundled web application.
func DefaultManifest() *Manifest {
	return &Manifest{
		CoreVersion:     "core-v1",
		StaticVersion:   "static-v1",
		OfflineDocument: "/offline.html",
		CoreAssets: append([]string{
			"/",
			"/offline.html",
		}, runtimeAssets...),
		StaticAssets: []string{
			"/icons/android-chrome-192x192.png",
			"/icons/android-chrome-512x512.png",
			"/icons/apple-touch-icon-180x180.png",
			"/icons/maskable_icon.png",
		},
		NetworkFirst: append([]string(nil), runtimeAssets...),
	}
}

// LoadManifest reads a manifest file. The format follows the extension:
// .toml, or .yaml/.yml.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrManifestInvalid, "failed to read manifest", err)
	}
	return ParseManifest(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseManifest decodes a manifest in the given format and validates it.
func ParseManifest(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, errors.Wrap(errors.ErrManifestInvalid, "failed to decode TOML manifest", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(errors.ErrManifestInvalid, "failed to decode YAML manifest", err)
		}
	default:
		return nil, errors.New(errors.ErrManifestInvalid, fmt.Sprintf("unsupported manifest format %q", format))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the version tags and the offline document.
func (m *Manifest) Validate() error {
	if m.CoreVersion == "" || m.StaticVersion == "" {
		return errors.New(errors.ErrManifestInvalid, "core_version and static_version are required")
	}
	if m.CoreVersion == m.StaticVersion {
		return errors.New(errors.ErrManifestInvalid, "core_version and static_version must differ")
	}
	if m.OfflineDocument == "" {
		return errors.New(errors.ErrManifestInvalid, "offline_document is required")
	}
	for _, list := range [][]string{m.CoreAssets, m.StaticAssets, m.NetworkFirst} {
		for _, raw := range list {
			if strings.TrimSpace(raw) == "" {
				return errors.New(errors.ErrManifestInvalid, "asset entries must not be empty")
			}
		}
	}
	return nil
}

// clone returns a deep copy so later edits by the caller cannot reach the
// router.
func (m *Manifest) clone() *Manifest {
	c := *m
	c.CoreAssets = append([]string(nil), m.CoreAssets...)
	c.StaticAssets = append([]string(nil), m.StaticAssets...)
	c.NetworkFirst = append([]string(nil), m.NetworkFirst...)
	return &c
}

// Key normalizes a request target to its cache key. Same-origin targets
// (relative, or absolute on origin) become an absolute path with query;
// cross-origin targets keep their full URL. Fragments are dropped.
func Key(origin *url.URL, raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	if u.IsAbs() && (origin == nil || !strings.EqualFold(u.Host, origin.Host) || u.Scheme != origin.Scheme) {
		return u.String()
	}

	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// keySet normalizes a list of manifest entries.
func keySet(origin *url.URL, list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, raw := range list {
		set[Key(origin, raw)] = struct{}{}
	}
	return set
}
