package index

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/pkg/types"
)

// ElasticsearchTransport talks to an Elasticsearch cluster over HTTP.
type ElasticsearchTransport struct {
	es             *elasticsearch.Client
	conns          *http.Transport
	requestTimeout time.Duration
}

func NewElasticsearchTransport(cfg config.IndexConfig) (*ElasticsearchTransport, error) {
	httpTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    httpTransport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ElasticsearchTransport{es: es, conns: httpTransport, requestTimeout: timeout}, nil
}

// ElasticsearchDialer returns a Dialer creating one transport per call, so every
// writer owns its own connection pool.
func ElasticsearchDialer(cfg config.IndexConfig) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return NewElasticsearchTransport(cfg)
	}
}

func (t *ElasticsearchTransport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	res, err := t.es.Cluster.Health(t.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cluster health: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("cluster health: %s", res.Status())
	}
	return nil
}

// Bulk sends one bulk request. Operations that cannot be encoded never reach
// the engine and come back as failed items alongside the engine's verdicts.
func (t *ElasticsearchTransport) Bulk(ctx context.Context, ops []types.IndexOperation) (*types.BulkResult, error) {
	body, sent, rejected := encodeBulk(ops)
	if len(sent) == 0 {
		return &types.BulkResult{Items: rejected}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	res, err := t.es.Bulk(bytes.NewReader(body), t.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("bulk request: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	result, err := decodeBulk(res.Body, sent)
	if err != nil {
		return nil, err
	}
	result.Items = append(result.Items, rejected...)
	return result, nil
}

func (t *ElasticsearchTransport) Close() error {
	t.conns.CloseIdleConnections()
	return nil
}
