package types

// ClientRuntimeID is the manifest key of the transform service's client runtime.
const ClientRuntimeID = "@vite/client"

// ResourceTypeScript is the resource type of script manifest entries.
const ResourceTypeScript = "script"

// ManifestEntry describes one client asset.
type ManifestEntry struct {
	File         string   `json:"file" yaml:"file"`
	CSS          []string `json:"css,omitempty" yaml:"css,omitempty"`
	Module       bool     `json:"module,omitempty" yaml:"module,omitempty"`
	IsEntry      bool     `json:"isEntry,omitempty" yaml:"isEntry,omitempty"`
	ResourceType string   `json:"resourceType,omitempty" yaml:"resourceType,omitempty"`
}

// Manifest maps asset keys to their entries.
type Manifest map[string]ManifestEntry
