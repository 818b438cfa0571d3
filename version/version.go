package version

// set at build time via -ldflags "-X github.com/skybundle/skybundle/version.version=..."
var version = "development"

// Version returns the skybundle client version.
func Version() string {
	return version
}
