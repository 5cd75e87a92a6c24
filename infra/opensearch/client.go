package opensearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Config holds the connection settings for the audit log cluster.
type Config struct {
	URL      string
	Username string
	Password string
}

// Client wraps the OpenSearch client used for payment audit logs
type Client struct {
	client *opensearch.Client
}

// NewClient creates a new OpenSearch client
func NewClient(cfg Config) (*Client, error) {
	opensearchConfig := opensearch.Config{
		Addresses: []string{cfg.URL},
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // For development/testing
			},
		},
		MaxRetries:    3,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
	}

	if cfg.Username != "" && cfg.Password != "" {
		opensearchConfig.Username = cfg.Username
		opensearchConfig.Password = cfg.Password
	}

	client, err := opensearch.NewClient(opensearchConfig)
	if err != nil {
		return nil, err
	}

	return &Client{client: client}, nil
}

// IndexDocument stores a JSON document in the given index.
func (c *Client) IndexDocument(ctx context.Context, index, documentID, body string) error {
	req := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: documentID,
		Body:       strings.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index request failed: %s", res.String())
	}
	return nil
}

// LogIndexName returns the index name for a provider's payment logs
func LogIndexName(provider string) string {
	return "vpos-" + provider + "-logs"
}
