// Package version carries build identification, overridable at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.2.0 -X .../internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)
