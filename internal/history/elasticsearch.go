// Package history persists monitoring snapshots to Elasticsearch so the
// dashboard's bounded in-browser charts can be backed by a longer record.
// The sink is optional; failures are logged and never reach the monitor.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// DefaultIndex is the index monitoring samples are written to
const DefaultIndex = "process-monitoring"

// ESSink indexes monitoring samples into Elasticsearch
type ESSink struct {
	client *elasticsearch.Client
	index  string
	logger *logrus.Logger
}

// NewESSink connects to Elasticsearch at the given addresses
func NewESSink(addresses []string, index string, logger *logrus.Logger) (*ESSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if index == "" {
		index = DefaultIndex
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	logger.WithField("addresses", addresses).Info("Connected to Elasticsearch")
	return &ESSink{
		client: client,
		index:  index,
		logger: logger,
	}, nil
}

// sampleDocument is the indexed shape: the sample plus a server timestamp
type sampleDocument struct {
	api.MonitoringSample
	Timestamp string `json:"@timestamp"`
}

// Index writes one document per sample
func (s *ESSink) Index(ctx context.Context, samples []api.MonitoringSample) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().Format(time.RFC3339)
	for _, sample := range samples {
		doc := sampleDocument{MonitoringSample: sample, Timestamp: now}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}

		res, err := s.client.Index(
			s.index,
			bytes.NewReader(data),
			s.client.Index.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("failed to index sample for %s: %w", sample.Name, err)
		}
		if res.IsError() {
			s.logger.WithFields(logrus.Fields{
				"process": sample.Name,
				"status":  res.Status(),
			}).Warn("Elasticsearch rejected monitoring sample")
		}
		res.Body.Close()
	}

	return nil
}
