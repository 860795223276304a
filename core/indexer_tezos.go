package core

// indexer_tezos.go – the Tezos chain source. The node RPC is plain HTTP
// JSON; sync payloads ride in the string parameter of contract calls to the
// network's sync contract.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// TezosSource reads sync operations through the Tezos shell RPC.
type TezosSource struct {
	base     string
	contract string
	client   *http.Client
	logger   *log.Logger
}

// NewTezosSource wires a source for the RPC at base
// (e.g. http://127.0.0.1:8732).
func NewTezosSource(base, contract string, lg *log.Logger) *TezosSource {
	return &TezosSource{
		base:     base,
		contract: contract,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   lg,
	}
}

// Chain identifies the source.
func (s *TezosSource) Chain() ChainID { return ChainTezos }

func (s *TezosSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("tezos rpc %s: %d: %s", path, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Head returns the tip level.
func (s *TezosSource) Head(ctx context.Context) (uint64, error) {
	var header struct {
		Level uint64 `json:"level"`
	}
	if err := s.get(ctx, "/chains/main/blocks/head/header", &header); err != nil {
		return 0, err
	}
	return header.Level, nil
}

// BlockHash returns the block hash at a level.
func (s *TezosSource) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := s.get(ctx, fmt.Sprintf("/chains/main/blocks/%d/hash", height), &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// tezosOperation is the slice of the manager-operation shape we consume.
type tezosOperation struct {
	Hash     string `json:"hash"`
	Contents []struct {
		Kind        string `json:"kind"`
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Parameters  struct {
			Entrypoint string `json:"entrypoint"`
			Value      struct {
				String string `json:"string"`
			} `json:"value"`
		} `json:"parameters"`
	} `json:"contents"`
}

// FetchTxs walks the manager operations of each level in [from, to].
func (s *TezosSource) FetchTxs(ctx context.Context, from, to uint64) ([]*PendingTx, error) {
	var out []*PendingTx
	for level := from; level <= to; level++ {
		var ops []tezosOperation
		if err := s.get(ctx, fmt.Sprintf("/chains/main/blocks/%d/operations/3", level), &ops); err != nil {
			return nil, err
		}
		for idx, op := range ops {
			for _, c := range op.Contents {
				if c.Kind != "transaction" || c.Destination != s.contract {
					continue
				}
				payload := []byte(c.Parameters.Value.String)
				protocol, err := detectProtocol(payload)
				if err != nil {
					s.logger.Warnf("indexer[TEZOS]: skip %s: %v", op.Hash, err)
					continue
				}
				out = append(out, &PendingTx{
					Chain:     ChainTezos,
					TxHash:    op.Hash,
					Height:    level,
					TxIndex:   uint32(idx),
					Publisher: c.Source,
					Protocol:  protocol,
					Payload:   payload,
				})
			}
		}
	}
	return out, nil
}
