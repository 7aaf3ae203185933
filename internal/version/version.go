package version

// Version is the current version of the camus CLI and relay.
// This value can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/camuschat/camus-sub000/internal/version.Version=v1.0.0'"
//
// GoReleaser sets it during release builds.
var Version = "dev"
