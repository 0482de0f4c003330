package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stocksentry/pkg/logx"
)

const defaultFetchTimeout = 10 * time.Second

// HTTPSource fetches snapshots from an HTTP endpoint returning a JSON array
// of StockSnapshot rows.
type HTTPSource struct {
	url    string
	client *http.Client
	log    logx.Logger
}

func NewHTTPSource(url string, timeout time.Duration, log logx.Logger) (*HTTPSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("inventory url is empty")
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

func (s *HTTPSource) Snapshots(ctx context.Context) ([]StockSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inventory returned status %d", resp.StatusCode)
	}

	var rows []StockSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("malformed snapshot payload: %w", err)
	}

	// Rows the classifier cannot interpret are malformed, not clampable:
	// silently fixing them could clear real alerts.
	for i := range rows {
		if strings.TrimSpace(rows[i].ProductID) == "" {
			return nil, fmt.Errorf("malformed snapshot payload: row %d has empty product_id", i)
		}
		if rows[i].CurrentStock < 0 || rows[i].MinStock < 0 {
			return nil, fmt.Errorf("malformed snapshot payload: product %s has negative stock", rows[i].ProductID)
		}
	}

	s.log.Debug("snapshot fetched",
		logx.Int("rows", len(rows)),
		logx.Duration("took", time.Since(start)),
	)
	return rows, nil
}
