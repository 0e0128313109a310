package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/KasGate/server/internal/httputil"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/rpcutil"
)

// IndexerClient talks to the public kaspa REST indexer. It is the poll
// backend's data source and the blue-score fallback when the push backend is
// down. All calls go through a circuit breaker so a dead indexer fails fast
// instead of stacking up 2-second polls.
type IndexerClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewIndexerClient builds an indexer client for the given REST base URL.
func NewIndexerClient(baseURL string, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *IndexerClient {
	c := &IndexerClient{
		baseURL: baseURL,
		client:  httputil.NewClient(timeout),
		metrics: m,
		log:     log.With().Str("component", "indexer").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kaspa-indexer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("indexer.breaker_state_change")
		},
	})
	return c
}

// Healthy reports whether the breaker currently admits requests.
func (c *IndexerClient) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// indexerUTXO mirrors the indexer's /addresses/{addr}/utxos response entry.
// Numeric fields arrive as strings or numbers depending on indexer version,
// so they decode through json.Number.
type indexerUTXO struct {
	Address  string `json:"address"`
	Outpoint struct {
		TransactionID string `json:"transactionId"`
		Index         uint32 `json:"index"`
	} `json:"outpoint"`
	UTXOEntry struct {
		Amount          json.Number `json:"amount"`
		BlockDAAScore   json.Number `json:"blockDaaScore"`
		ScriptPublicKey struct {
			ScriptPublicKey string `json:"scriptPublicKey"`
		} `json:"scriptPublicKey"`
	} `json:"utxoEntry"`
}

// UTXOsForAddress fetches the current UTXO set paying an address.
func (c *IndexerClient) UTXOsForAddress(ctx context.Context, address string) ([]UTXO, error) {
	endpoint := fmt.Sprintf("%s/addresses/%s/utxos", c.baseURL, url.PathEscape(address))

	raw, err := rpcutil.WithRetry(ctx, func() ([]indexerUTXO, error) {
		out, err := c.breaker.Execute(func() (any, error) {
			var entries []indexerUTXO
			if err := c.getJSON(ctx, endpoint, &entries); err != nil {
				return nil, err
			}
			return entries, nil
		})
		if err != nil {
			return nil, err
		}
		return out.([]indexerUTXO), nil
	})
	c.metrics.ObserveIndexerCall("utxos", err)
	if err != nil {
		return nil, fmt.Errorf("ledger: indexer utxos: %w", err)
	}

	utxos := make([]UTXO, 0, len(raw))
	for _, e := range raw {
		u, err := e.toUTXO()
		if err != nil {
			c.log.Warn().Err(err).Str("address", address).Msg("indexer.skip_malformed_utxo")
			continue
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

// BlueScore fetches the current virtual chain blue score.
func (c *IndexerClient) BlueScore(ctx context.Context) (uint64, error) {
	endpoint := c.baseURL + "/info/virtual-chain-blue-score"

	score, err := rpcutil.WithRetry(ctx, func() (uint64, error) {
		out, err := c.breaker.Execute(func() (any, error) {
			var body struct {
				BlueScore json.Number `json:"blueScore"`
			}
			if err := c.getJSON(ctx, endpoint, &body); err != nil {
				return nil, err
			}
			return strconv.ParseUint(body.BlueScore.String(), 10, 64)
		})
		if err != nil {
			return 0, err
		}
		return out.(uint64), nil
	})
	c.metrics.ObserveIndexerCall("blue-score", err)
	if err != nil {
		return 0, fmt.Errorf("ledger: indexer blue score: %w", err)
	}
	return score, nil
}

func (c *IndexerClient) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("indexer returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (e indexerUTXO) toUTXO() (UTXO, error) {
	amount, ok := new(big.Int).SetString(e.UTXOEntry.Amount.String(), 10)
	if !ok {
		return UTXO{}, fmt.Errorf("bad amount %q", e.UTXOEntry.Amount)
	}
	score := uint64(0)
	if s := e.UTXOEntry.BlockDAAScore.String(); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return UTXO{}, fmt.Errorf("bad blockDaaScore %q", s)
		}
		score = parsed
	}
	return UTXO{
		TxID:          e.Outpoint.TransactionID,
		Index:         e.Outpoint.Index,
		AmountSompi:   amount,
		BlockDAAScore: score,
		ScriptPubKey:  e.UTXOEntry.ScriptPublicKey.ScriptPublicKey,
	}, nil
}
