package core

// indexer_eth.go – the Ethereum-family chain source (ETH and BNB share it).
// Sync transactions are SyncEvent logs emitted by the network's contract;
// balance movements come from Transfer logs of the optional token contract.

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

var (
	syncEventTopic     = crypto.Keccak256Hash([]byte("SyncEvent(address,string)"))
	transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	stringArgs  abi.Arguments
	uint256Args abi.Arguments
)

func init() {
	stringType, _ := abi.NewType("string", "", nil)
	uint256Type, _ := abi.NewType("uint256", "", nil)
	stringArgs = abi.Arguments{{Type: stringType}}
	uint256Args = abi.Arguments{{Type: uint256Type}}
}

// tokenDecimals scales raw ERC-20 amounts to whole tokens.
var tokenDecimals = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// EthereumSource reads sync events through an Ethereum JSON-RPC endpoint.
type EthereumSource struct {
	chain    ChainID
	client   *ethclient.Client
	contract common.Address
	token    *common.Address
	logger   *log.Logger
}

// NewEthereumSource dials the RPC endpoint. tokenAddress may be empty when
// the deployment does not track balances on this chain.
func NewEthereumSource(chain ChainID, rpc, contractAddress, tokenAddress string, lg *log.Logger) (*EthereumSource, error) {
	client, err := ethclient.Dial(rpc)
	if err != nil {
		return nil, err
	}
	s := &EthereumSource{
		chain:    chain,
		client:   client,
		contract: common.HexToAddress(contractAddress),
		logger:   lg,
	}
	if tokenAddress != "" {
		addr := common.HexToAddress(tokenAddress)
		s.token = &addr
	}
	return s, nil
}

// Chain identifies the source.
func (s *EthereumSource) Chain() ChainID { return s.chain }

// Head returns the tip height.
func (s *EthereumSource) Head(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// BlockHash returns the canonical hash at height.
func (s *EthereumSource) BlockHash(ctx context.Context, height uint64) (string, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return "", err
	}
	return header.Hash().Hex(), nil
}

// FetchTxs filters SyncEvent logs in [from, to]. Malformed payloads are
// logged and skipped; the cursor keeps advancing.
func (s *EthereumSource) FetchTxs(ctx context.Context, from, to uint64) ([]*PendingTx, error) {
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{syncEventTopic}},
	})
	if err != nil {
		return nil, err
	}
	var out []*PendingTx
	for _, lg := range logs {
		ptx, ok := s.decodeSyncLog(&lg)
		if !ok {
			continue
		}
		out = append(out, ptx)
	}
	return out, nil
}

func (s *EthereumSource) decodeSyncLog(l *types.Log) (*PendingTx, bool) {
	if len(l.Topics) < 2 {
		s.logger.Warnf("indexer[%s]: sync log %s missing publisher topic", s.chain, l.TxHash.Hex())
		return nil, false
	}
	values, err := stringArgs.UnpackValues(l.Data)
	if err != nil || len(values) != 1 {
		s.logger.Warnf("indexer[%s]: undecodable sync log %s: %v", s.chain, l.TxHash.Hex(), err)
		return nil, false
	}
	payload := []byte(values[0].(string))
	protocol, err := detectProtocol(payload)
	if err != nil {
		s.logger.Warnf("indexer[%s]: skip %s: %v", s.chain, l.TxHash.Hex(), err)
		return nil, false
	}
	publisher := common.BytesToAddress(l.Topics[1].Bytes())
	return &PendingTx{
		Chain:     s.chain,
		TxHash:    l.TxHash.Hex(),
		Height:    l.BlockNumber,
		TxIndex:   uint32(l.TxIndex),
		Publisher: publisher.Hex(),
		Protocol:  protocol,
		Payload:   payload,
	}, true
}

// FetchBalanceDeltas reads Transfer logs of the token contract. No token
// configured means no balance tracking on this chain.
func (s *EthereumSource) FetchBalanceDeltas(ctx context.Context, from, to uint64) ([]BalanceDelta, error) {
	if s.token == nil {
		return nil, nil
	}
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{*s.token},
		Topics:    [][]common.Hash{{transferEventTopic}},
	})
	if err != nil {
		return nil, err
	}
	var out []BalanceDelta
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		values, err := uint256Args.UnpackValues(l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		amount, _ := new(big.Float).Quo(
			new(big.Float).SetInt(values[0].(*big.Int)), tokenDecimals).Float64()
		sender := common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		receiver := common.BytesToAddress(l.Topics[2].Bytes()).Hex()
		out = append(out,
			BalanceDelta{Address: sender, Amount: -amount},
			BalanceDelta{Address: receiver, Amount: amount})
	}
	return out, nil
}

// Close releases the RPC connection.
func (s *EthereumSource) Close() { s.client.Close() }
