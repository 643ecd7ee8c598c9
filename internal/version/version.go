// Package version carries the ubws build stamp.
//
// Set the variables with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/binance-ws/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/binance-ws/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/binance-ws/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

// Binary is the name the stream manager reports itself under.
const Binary = "ubws"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // UTC, RFC 3339
)

// String renders the build stamp for `ubws version` and startup logs.
func String() string {
	return Binary + " " + Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on websocket handshakes and REST calls to the exchange.
func UserAgent() string {
	return Binary + "/" + Version + " (" + Commit + ")"
}
