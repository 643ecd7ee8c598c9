package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/rickgao/binance-ws/internal/endpoint"
)

var (
	ErrNoListenKeyPath = errors.New("endpoint has no user data stream")
	ErrSymbolRequired  = errors.New("isolated margin listen keys need a symbol")
)

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey opens a user data stream and returns its listen key.
// symbol is only used by isolated margin endpoints.
func (c *Client) CreateListenKey(ctx context.Context, ep endpoint.Endpoint, symbol string) (string, error) {
	query, err := listenKeyQuery(ep, symbol, "")
	if err != nil {
		return "", err
	}
	body, err := c.doWithRetry(ctx, http.MethodPost, ep.ListenKeyURL(), query)
	if err != nil {
		return "", fmt.Errorf("create listen key on %s: %w", ep.Name, err)
	}

	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("create listen key on %s: empty listen key", ep.Name)
	}

	c.logger.Debug("listen key created", "endpoint", ep.Name)
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity. The exchange expires
// keys that are not kept alive for an hour.
func (c *Client) KeepAliveListenKey(ctx context.Context, ep endpoint.Endpoint, symbol, key string) error {
	query, err := listenKeyQuery(ep, symbol, key)
	if err != nil {
		return err
	}
	if _, err := c.doWithRetry(ctx, http.MethodPut, ep.ListenKeyURL(), query); err != nil {
		return fmt.Errorf("keep alive listen key on %s: %w", ep.Name, err)
	}
	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, ep endpoint.Endpoint, symbol, key string) error {
	query, err := listenKeyQuery(ep, symbol, key)
	if err != nil {
		return err
	}
	if _, err := c.doWithRetry(ctx, http.MethodDelete, ep.ListenKeyURL(), query); err != nil {
		return fmt.Errorf("close listen key on %s: %w", ep.Name, err)
	}
	c.logger.Debug("listen key closed", "endpoint", ep.Name)
	return nil
}

func listenKeyQuery(ep endpoint.Endpoint, symbol, key string) (url.Values, error) {
	if ep.ListenKeyPath == "" || ep.RESTURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoListenKeyPath, ep.Name)
	}
	query := url.Values{}
	if ep.Isolated {
		if symbol == "" {
			return nil, ErrSymbolRequired
		}
		query.Set("symbol", symbol)
	}
	if key != "" {
		query.Set("listenKey", key)
	}
	return query, nil
}
