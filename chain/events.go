package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/NFTcolumn/pony-referral-worker/domain"
)

// RaceEventSource reads RaceFinished events of the race contract via the
// configured json-rpc endpoint. All calls go through a shared rate limiter
// so the worker stays within the provider's request budget.
type RaceEventSource struct {
	client   *ethclient.Client
	limiter  *rate.Limiter
	contract common.Address
}

func NewRaceEventSource(client *ethclient.Client, limiter *rate.Limiter, contract common.Address) *RaceEventSource {
	return &RaceEventSource{
		client:   client,
		limiter:  limiter,
		contract: contract,
	}
}

// LatestHeight returns the current block height of the chain.
func (s *RaceEventSource) LatestHeight(ctx context.Context) (uint64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "waiting for rate limiter")
	}

	height, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting block number")
	}
	return height, nil
}

// RaceEvents returns all RaceFinished events emitted by the race contract
// within the inclusive block range [from, to], in log order.
func (s *RaceEventSource) RaceEvents(ctx context.Context, from, to uint64) ([]domain.RaceEvent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{raceFinishedID}},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "filtering logs for blocks [%d-%d]", from, to)
	}

	events := make([]domain.RaceEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		event, err := convertLog(lg)
		if err != nil {
			return nil, errors.Wrapf(err, "converting log [%s-%d]", lg.TxHash, lg.Index)
		}
		events = append(events, event)
	}
	return events, nil
}

func convertLog(lg types.Log) (domain.RaceEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != raceFinishedID {
		return domain.RaceEvent{}, errors.Errorf("unexpected topics for race finished event: %v", lg.Topics)
	}

	var payload struct {
		Payout *big.Int
		Won    bool
	}
	if err := raceABI.UnpackIntoInterface(&payload, "RaceFinished", lg.Data); err != nil {
		return domain.RaceEvent{}, errors.Wrap(err, "unpacking event data")
	}

	return domain.RaceEvent{
		RaceID:      new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Player:      common.BytesToAddress(lg.Topics[2].Bytes()),
		Payout:      payload.Payout,
		Won:         payload.Won,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}, nil
}
