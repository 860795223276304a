package core

// indexer_nuls.go – the NULS2 chain source. The node speaks JSON-RPC; sync
// payloads ride in transaction remarks, hex-encoded.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// NulsSource reads sync transactions through the NULS2 JSON-RPC API.
type NulsSource struct {
	base    string
	client  *http.Client
	logger  *log.Logger
	chainID int
}

// NewNulsSource wires a source for the RPC at base.
func NewNulsSource(base string, lg *log.Logger) *NulsSource {
	return &NulsSource{
		base:    base,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  lg,
		chainID: int(nulsChainID),
	}
}

// Chain identifies the source.
func (s *NulsSource) Chain() ChainID { return ChainNULS2 }

func (s *NulsSource) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("nuls rpc %s: %d: %s", method, resp.StatusCode, string(b))
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("nuls rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	return json.Unmarshal(envelope.Result, out)
}

// Head returns the best block height.
func (s *NulsSource) Head(ctx context.Context) (uint64, error) {
	var header struct {
		Height uint64 `json:"height"`
	}
	if err := s.call(ctx, "getBestBlockHeader", []any{s.chainID}, &header); err != nil {
		return 0, err
	}
	return header.Height, nil
}

// BlockHash returns the block hash at a height.
func (s *NulsSource) BlockHash(ctx context.Context, height uint64) (string, error) {
	var header struct {
		Hash string `json:"hash"`
	}
	if err := s.call(ctx, "getBlockHeaderByHeight", []any{s.chainID, height}, &header); err != nil {
		return "", err
	}
	return header.Hash, nil
}

type nulsBlock struct {
	Txs []struct {
		Hash   string `json:"hash"`
		From   string `json:"from"`
		Remark string `json:"remark"` // hex
	} `json:"txs"`
}

// FetchTxs walks blocks [from, to] and extracts Aleph remarks.
func (s *NulsSource) FetchTxs(ctx context.Context, from, to uint64) ([]*PendingTx, error) {
	var out []*PendingTx
	for height := from; height <= to; height++ {
		var block nulsBlock
		if err := s.call(ctx, "getBlockByHeight", []any{s.chainID, height}, &block); err != nil {
			return nil, err
		}
		for idx, tx := range block.Txs {
			if tx.Remark == "" {
				continue
			}
			payload, err := hex.DecodeString(tx.Remark)
			if err != nil {
				continue
			}
			protocol, err := detectProtocol(payload)
			if err != nil {
				continue
			}
			out = append(out, &PendingTx{
				Chain:     ChainNULS2,
				TxHash:    tx.Hash,
				Height:    height,
				TxIndex:   uint32(idx),
				Publisher: tx.From,
				Protocol:  protocol,
				Payload:   payload,
			})
		}
	}
	return out, nil
}
