package errors

import "sort"

// Template defines a registered diagnostic.
type Template struct {
	Category   Category
	Message    string
	Suggestion string
}

var registry = map[string]Template{
	// Config (L100-L119)
	"L100": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Suggestion: "Create livesync.yaml or pass --config with an explicit path.",
	},
	"L101": {
		Category:   CategoryConfig,
		Message:    "Config file could not be parsed",
		Suggestion: "Check the indentation and quoting around the reported line.",
	},
	"L102": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
	},
	"L103": {
		Category:   CategoryConfig,
		Message:    "Rehydration secret too short",
		Suggestion: "Use at least 32 random bytes, e.g. from `openssl rand -hex 32`.",
	},
	"L104": {
		Category: CategoryConfig,
		Message:  "Invalid listen address",
	},
	"L105": {
		Category:   CategoryConfig,
		Message:    "Unknown upload store",
		Suggestion: "Use one of: memory, disk, s3.",
	},
	"L106": {
		Category:   CategoryConfig,
		Message:    "Incomplete upload store settings",
		Suggestion: "The disk store needs uploads.dir; the s3 store needs uploads.s3.bucket.",
	},
	"L107": {
		Category: CategoryConfig,
		Message:  "Invalid limit",
	},

	// Server (L120-L139)
	"L120": {
		Category:   CategoryServer,
		Message:    "Server failed to start",
		Suggestion: "Another process may already be listening on the address.",
	},
	"L121": {
		Category:   CategoryServer,
		Message:    "Graceful shutdown timed out",
		Suggestion: "Raise server.shutdownTimeout if connections need longer to drain.",
	},
	"L122": {
		Category: CategoryServer,
		Message:  "Component registration failed",
	},
	"L123": {
		Category: CategoryServer,
		Message:  "Upload store unavailable",
	},

	// CLI (L140-L159)
	"L140": {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},
	"L141": {
		Category:   CategoryCLI,
		Message:    "Config file already exists",
		Suggestion: "Pass --force to overwrite it.",
	},
}

// Codes returns all registered codes, sorted.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Lookup returns the template for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
