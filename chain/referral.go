package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/NFTcolumn/pony-referral-worker/domain"
)

// ReferralRegistry wraps the referral registry contract. It answers referral
// lookups, reports already funded balances and submits the batched funding
// transaction signed with the funder key.
type ReferralRegistry struct {
	client   *ethclient.Client
	limiter  *rate.Limiter
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	funder   common.Address
}

func NewReferralRegistry(ctx context.Context, client *ethclient.Client, limiter *rate.Limiter, contract common.Address, privateKeyHex string) (*ReferralRegistry, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing funder private key")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting chain id")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "creating transactor")
	}

	return &ReferralRegistry{
		client:   client,
		limiter:  limiter,
		contract: bind.NewBoundContract(contract, referralABI, client, client, client),
		auth:     auth,
		funder:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Funder returns the address the funding transactions are sent from.
func (r *ReferralRegistry) Funder() common.Address {
	return r.funder
}

// HasBeneficiary reports whether the given player was referred by someone.
func (r *ReferralRegistry) HasBeneficiary(ctx context.Context, player common.Address) (bool, error) {
	var out []interface{}
	if err := r.call(ctx, &out, "hasReferrer", player); err != nil {
		return false, errors.Wrap(err, "calling hasReferrer")
	}

	has, ok := out[0].(bool)
	if !ok {
		return false, errors.Errorf("unexpected hasReferrer output: %v", out)
	}
	return has, nil
}

// BeneficiaryOf returns the referrer registered for the given player.
func (r *ReferralRegistry) BeneficiaryOf(ctx context.Context, player common.Address) (common.Address, error) {
	var out []interface{}
	if err := r.call(ctx, &out, "referrerOf", player); err != nil {
		return common.Address{}, errors.Wrap(err, "calling referrerOf")
	}

	beneficiary, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("unexpected referrerOf output: %v", out)
	}
	return beneficiary, nil
}

// PendingBalance returns the amount already funded for the beneficiary and
// not yet claimed.
func (r *ReferralRegistry) PendingBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error) {
	var out []interface{}
	if err := r.call(ctx, &out, "pendingRewards", beneficiary); err != nil {
		return nil, errors.Wrap(err, "calling pendingRewards")
	}

	pending, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("unexpected pendingRewards output: %v", out)
	}
	return pending, nil
}

// AvailableBalance returns the current balance of the funder account.
func (r *ReferralRegistry) AvailableBalance(ctx context.Context) (*big.Int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}

	balance, err := r.client.BalanceAt(ctx, r.funder, nil)
	if err != nil {
		return nil, errors.Wrap(err, "getting funder balance")
	}
	return balance, nil
}

// NextNonce returns the next nonce of the funder account, counting mined
// transactions only. A submission still in flight from an earlier attempt is
// not counted and gets replaced at its own nonce.
func (r *ReferralRegistry) NextNonce(ctx context.Context) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "waiting for rate limiter")
	}

	nonce, err := r.client.NonceAt(ctx, r.funder, nil)
	if err != nil {
		return 0, errors.Wrap(err, "getting funder nonce")
	}
	return nonce, nil
}

// Fund submits one fundRewards transaction carrying the full plan as value
// and waits until it is mined. The transaction is pinned to the given nonce,
// so resubmitting a plan whose transaction already landed fails with a nonce
// error instead of paying a second time. A transaction that reverts on chain
// is reported as domain.RevertError.
func (r *ReferralRegistry) Fund(ctx context.Context, nonce uint64, beneficiaries []common.Address, amounts []*big.Int, total *big.Int) (*domain.FundingReceipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}

	auth := *r.auth
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.Value = total

	tx, err := r.contract.Transact(&auth, "fundRewards", beneficiaries, amounts)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return nil, &domain.RevertError{Reason: reason}
		}
		return nil, errors.Wrap(err, "submitting funding transaction")
	}

	receipt, err := bind.WaitMined(ctx, r.client, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for funding transaction [%s]", tx.Hash())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &domain.RevertError{Reason: fmt.Sprintf("funding transaction [%s] reverted on chain", tx.Hash())}
	}

	return &domain.FundingReceipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (r *ReferralRegistry) call(ctx context.Context, out *[]interface{}, method string, args ...interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for rate limiter")
	}
	return r.contract.Call(&bind.CallOpts{Context: ctx}, out, method, args...)
}

// revertReason extracts the revert reason out of a json-rpc error, if the
// error is a revert at all. Gas estimation runs the transaction, so reverts
// surface here before anything is submitted.
func revertReason(err error) (string, bool) {
	if err == nil || !strings.Contains(err.Error(), "execution reverted") {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:")), true
}
