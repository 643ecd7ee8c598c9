// Package endpoint describes the exchange market segments a stream can target.
package endpoint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Segment names accepted as a stream endpoint.
const (
	Spot                  = "binance.com"
	SpotTestnet           = "binance.com-testnet"
	Margin                = "binance.com-margin"
	MarginTestnet         = "binance.com-margin-testnet"
	IsolatedMargin        = "binance.com-isolated_margin"
	IsolatedMarginTestnet = "binance.com-isolated_margin-testnet"
	Futures               = "binance.com-futures"
	FuturesTestnet        = "binance.com-futures-testnet"
	CoinFutures           = "binance.com-coin_futures"
	US                    = "binance.us"
)

const (
	combinedStreamPath        = "stream"
	defaultMaxChannels        = 1024
	defaultFuturesMaxChannels = 200
)

// Endpoint is one market segment: where to connect and what limits apply.
type Endpoint struct {
	Name          string
	WSURL         string // base websocket URL, e.g. wss://stream.binance.com:9443/
	RESTURL       string // base REST URL used for listen keys
	ListenKeyPath string // path below RESTURL for the user data stream listen key
	MaxChannels   int    // exchange limit of channels per connection
	Isolated      bool   // listen key calls require a symbol
}

// StreamURL returns the combined-stream URL that accepts SUBSCRIBE frames.
func (e Endpoint) StreamURL() (string, error) {
	u, err := url.Parse(e.WSURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url %q: %w", e.WSURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws url %q: scheme must be ws or wss", e.WSURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + combinedStreamPath
	return u.String(), nil
}

// ListenKeyURL returns the REST URL for listen key management.
func (e Endpoint) ListenKeyURL() string {
	return strings.TrimSuffix(e.RESTURL, "/") + "/" + strings.TrimPrefix(e.ListenKeyPath, "/")
}

var defaults = map[string]Endpoint{
	Spot: {
		WSURL:         "wss://stream.binance.com:9443/",
		RESTURL:       "https://api.binance.com/api/",
		ListenKeyPath: "v3/userDataStream",
		MaxChannels:   defaultMaxChannels,
	},
	SpotTestnet: {
		WSURL:         "wss://stream.testnet.binance.vision/",
		RESTURL:       "https://testnet.binance.vision/api/",
		ListenKeyPath: "v3/userDataStream",
		MaxChannels:   defaultMaxChannels,
	},
	Margin: {
		WSURL:         "wss://stream.binance.com:9443/",
		RESTURL:       "https://api.binance.com/sapi/",
		ListenKeyPath: "v1/userDataStream",
		MaxChannels:   defaultMaxChannels,
	},
	MarginTestnet: {
		WSURL:         "wss://stream.testnet.binance.vision/",
		RESTURL:       "https://testnet.binance.vision/sapi/",
		ListenKeyPath: "v1/userDataStream",
		MaxChannels:   defaultMaxChannels,
	},
	IsolatedMargin: {
		WSURL:         "wss://stream.binance.com:9443/",
		RESTURL:       "https://api.binance.com/sapi/",
		ListenKeyPath: "v1/userDataStream/isolated",
		MaxChannels:   defaultMaxChannels,
		Isolated:      true,
	},
	IsolatedMarginTestnet: {
		WSURL:         "wss://stream.testnet.binance.vision/",
		RESTURL:       "https://testnet.binance.vision/sapi/",
		ListenKeyPath: "v1/userDataStream/isolated",
		MaxChannels:   defaultMaxChannels,
		Isolated:      true,
	},
	Futures: {
		WSURL:         "wss://fstream.binance.com/",
		RESTURL:       "https://fapi.binance.com/fapi/",
		ListenKeyPath: "v1/listenKey",
		MaxChannels:   defaultFuturesMaxChannels,
	},
	FuturesTestnet: {
		WSURL:         "wss://stream.binancefuture.com/",
		RESTURL:       "https://testnet.binancefuture.com/fapi/",
		ListenKeyPath: "v1/listenKey",
		MaxChannels:   defaultFuturesMaxChannels,
	},
	CoinFutures: {
		WSURL:         "wss://dstream.binance.com/",
		RESTURL:       "https://dapi.binance.com/dapi/",
		ListenKeyPath: "v1/listenKey",
		MaxChannels:   defaultFuturesMaxChannels,
	},
	US: {
		WSURL:         "wss://stream.binance.us:9443/",
		RESTURL:       "https://api.binance.us/api/",
		ListenKeyPath: "v3/userDataStream",
		MaxChannels:   defaultMaxChannels,
	},
}

// Table resolves segment names to endpoints. The zero value is not usable; use NewTable.
type Table struct {
	endpoints map[string]Endpoint
}

// Override replaces URLs of a known segment or defines a new one.
type Override struct {
	WSURL         string
	RESTURL       string
	ListenKeyPath string
	MaxChannels   int
}

// NewTable returns the built-in segments with the given overrides applied.
func NewTable(overrides map[string]Override) (*Table, error) {
	t := &Table{endpoints: make(map[string]Endpoint, len(defaults)+len(overrides))}
	for name, ep := range defaults {
		ep.Name = name
		t.endpoints[name] = ep
	}

	for name, o := range overrides {
		ep, known := t.endpoints[name]
		ep.Name = name
		if o.WSURL != "" {
			ep.WSURL = o.WSURL
		}
		if o.RESTURL != "" {
			ep.RESTURL = o.RESTURL
		}
		if o.ListenKeyPath != "" {
			ep.ListenKeyPath = o.ListenKeyPath
		}
		if o.MaxChannels > 0 {
			ep.MaxChannels = o.MaxChannels
		}
		if !known && ep.MaxChannels == 0 {
			ep.MaxChannels = defaultMaxChannels
		}
		if _, err := ep.StreamURL(); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		t.endpoints[name] = ep
	}

	return t, nil
}

// Lookup returns the endpoint for a segment name.
func (t *Table) Lookup(name string) (Endpoint, bool) {
	ep, ok := t.endpoints[name]
	return ep, ok
}

// Names returns all segment names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
