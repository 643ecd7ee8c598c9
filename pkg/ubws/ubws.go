// Package ubws is the importable surface of the stream manager for programs
// that embed it instead of running the ubws binary.
//
//	cfg, err := ubws.LoadConfig("ubws.yaml")
//	m, err := ubws.New(cfg, ubws.WithLogger(logger))
//	err = m.Start(ctx)
//	id, err := m.CreateStream(ctx, ubws.Spot, []string{"btcusdt@trade"}, ubws.StreamOptions{})
//	for {
//		entry, err := m.Next(ctx, id)
//		...
//	}
package ubws

import (
	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/connection"
	"github.com/rickgao/binance-ws/internal/delivery"
	"github.com/rickgao/binance-ws/internal/endpoint"
	"github.com/rickgao/binance-ws/internal/events"
	"github.com/rickgao/binance-ws/internal/manager"
	"github.com/rickgao/binance-ws/internal/registry"
)

type (
	Manager         = manager.Manager
	Option          = manager.Option
	StreamOptions   = manager.StreamOptions
	HealthSummary   = manager.HealthSummary
	HealthReporter  = manager.HealthReporter
	Licenser        = manager.Licenser
	LicenserFunc    = manager.LicenserFunc
	ListenKeySource = manager.ListenKeySource

	Config          = config.Config
	Entry           = delivery.Entry
	StreamInfo      = registry.Info
	StreamState     = registry.State
	ConnInfo        = connection.Info
	ConnState       = connection.State
	ValidationError = registry.ValidationError
	ProtocolError   = connection.ProtocolError
	TransportError  = connection.TransportError

	Event     = events.Event
	EventType = events.Type
	EventSink = events.Sink
)

// Market segments.
const (
	Spot                  = endpoint.Spot
	SpotTestnet           = endpoint.SpotTestnet
	Margin                = endpoint.Margin
	MarginTestnet         = endpoint.MarginTestnet
	IsolatedMargin        = endpoint.IsolatedMargin
	IsolatedMarginTestnet = endpoint.IsolatedMarginTestnet
	Futures               = endpoint.Futures
	FuturesTestnet        = endpoint.FuturesTestnet
	CoinFutures           = endpoint.CoinFutures
	US                    = endpoint.US
)

// UserData is the channel name requesting a user data stream.
const UserData = registry.UserData

const (
	StreamPending = registry.StatePending
	StreamActive  = registry.StateActive
	StreamStopped = registry.StateStopped
)

var (
	ErrNotLicensed      = manager.ErrNotLicensed
	ErrNotStarted       = manager.ErrNotStarted
	ErrShutdown         = manager.ErrShutdown
	ErrNoListenKeys     = manager.ErrNoListenKeys
	ErrCapacityExceeded = connection.ErrCapacityExceeded
	ErrConnectionLost   = connection.ErrConnectionLost
	ErrUnknownStream    = registry.ErrUnknownStream
	ErrQueueClosed      = delivery.ErrClosed
)

var (
	New                = manager.New
	WithLogger         = manager.WithLogger
	WithEvents         = manager.WithEvents
	WithLicenser       = manager.WithLicenser
	WithListenKeys     = manager.WithListenKeys
	WithHealthReporter = manager.WithHealthReporter
	AllowAll           = manager.AllowAll

	LoadConfig    = config.LoadAndValidate
	ParseConfig   = config.Parse
	DefaultConfig = config.Default

	// Channels builds "symbol@kind" names for every pair.
	Channels = registry.Channels
)
