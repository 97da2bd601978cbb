package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RaceEvent is one decoded RaceFinished log record from the race game
// contract. Read-only once decoded.
type RaceEvent struct {
	RaceID      *big.Int       `json:"raceId"`
	Player      common.Address `json:"player"`
	Payout      *big.Int       `json:"payout"`
	Won         bool           `json:"won"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"txHash"`
}

// BeneficiaryAccrual is the reward a single beneficiary earned from the
// events of the current scan window. Built fresh each cycle and discarded.
type BeneficiaryAccrual struct {
	Beneficiary common.Address
	Races       int
	Reward      *big.Int
}

// FundingPlan is the batch to disburse in one transaction: parallel
// beneficiary and amount slices plus their sum. All amounts are positive;
// beneficiaries whose pending balance already covers their accrual carry no
// entry.
type FundingPlan struct {
	Beneficiaries []common.Address
	Amounts       []*big.Int
	Total         *big.Int
}

// Add appends one disbursement entry and keeps Total in sync.
func (p *FundingPlan) Add(beneficiary common.Address, amount *big.Int) {
	p.Beneficiaries = append(p.Beneficiaries, beneficiary)
	p.Amounts = append(p.Amounts, amount)
	if p.Total == nil {
		p.Total = new(big.Int)
	}
	p.Total = new(big.Int).Add(p.Total, amount)
}

func (p *FundingPlan) Empty() bool {
	return len(p.Beneficiaries) == 0
}

// ScanWindow is an inclusive block range [From, To]. Windows produced across
// cycles are contiguous and non-overlapping.
type ScanWindow struct {
	From uint64
	To   uint64
}

// FundingReceipt is the confirmation of a mined disbursement transaction.
type FundingReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// FundingReport is the audit record produced after a confirmed disbursement.
type FundingReport struct {
	FromBlock     uint64    `json:"fromBlock"`
	ToBlock       uint64    `json:"toBlock"`
	Beneficiaries []string  `json:"beneficiaries"`
	Amounts       []string  `json:"amounts"`
	Total         string    `json:"total"`
	TxHash        string    `json:"txHash"`
	FundedAt      time.Time `json:"fundedAt"`
}
