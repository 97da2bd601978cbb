package sync

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/NFTcolumn/pony-referral-worker/domain"
	"github.com/NFTcolumn/pony-referral-worker/metrics"
	"github.com/NFTcolumn/pony-referral-worker/retry"
)

type EventSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
	RaceEvents(ctx context.Context, from, to uint64) ([]domain.RaceEvent, error)
}

type ReferralLedger interface {
	HasBeneficiary(ctx context.Context, player common.Address) (bool, error)
	BeneficiaryOf(ctx context.Context, player common.Address) (common.Address, error)
	PendingBalance(ctx context.Context, beneficiary common.Address) (*big.Int, error)
}

type Funder interface {
	AvailableBalance(ctx context.Context) (*big.Int, error)
	NextNonce(ctx context.Context) (uint64, error)
	Fund(ctx context.Context, nonce uint64, beneficiaries []common.Address, amounts []*big.Int, total *big.Int) (*domain.FundingReceipt, error)
}

type CheckpointStore interface {
	SetLastProcessedBlock(block uint64) error
	GetLastProcessedBlock() (uint64, error)
}

type Reporter interface {
	SendReport(ctx context.Context, report *domain.FundingReport) error
}

type Settings struct {
	RewardPerRace   *big.Int
	MaxBlockRange   uint64
	InitialLookback uint64
	CheckInterval   time.Duration
	ReadTimeout     time.Duration
	SubmitTimeout   time.Duration
}

// Processor reconciles referral rewards against the chain. Every cycle it
// scans one block window for race events, accrues rewards per beneficiary,
// diffs them against the balances the registry already holds and funds the
// difference with a single batched transaction. The checkpoint only moves
// once a window is fully reconciled, so an aborted cycle is replayed.
type Processor struct {
	source            EventSource
	ledger            ReferralLedger
	funder            Funder
	store             CheckpointStore
	reporter          Reporter
	retrier           *retry.Executor
	settings          Settings
	processingMetrics *metrics.ProcessingMetrics
	logger            *zap.SugaredLogger
}

func NewProcessor(source EventSource, ledger ReferralLedger, funder Funder, store CheckpointStore,
	reporter Reporter, retrier *retry.Executor, settings Settings,
	m *metrics.ProcessingMetrics, logger *zap.SugaredLogger) *Processor {

	return &Processor{
		source:            source,
		ledger:            ledger,
		funder:            funder,
		store:             store,
		reporter:          reporter,
		retrier:           retrier,
		settings:          settings,
		processingMetrics: m,
		logger:            logger,
	}
}

// Start runs one cycle immediately and then one per check interval until
// the context is cancelled. Cycles never overlap.
func (p *Processor) Start(ctx context.Context) error {
	// run one initial cycle, so we do not wait until the first tick
	p.runCycle(ctx)

	ticker := time.NewTicker(p.settings.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Stopped processing")
			return nil
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Processor) runCycle(ctx context.Context) {
	err := p.process(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.processingMetrics.IncCycleErrors()
		p.logger.Errorw("error processing races", "error", err)
	}
}

func (p *Processor) process(ctx context.Context) error {
	height, err := p.latestHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "getting chain height")
	}
	p.processingMetrics.SetSourceBlock(height)

	lastProcessed, err := p.store.GetLastProcessedBlock()
	if err != nil {
		return errors.Wrap(err, "getting last processed block")
	}

	window, ok := nextScanWindow(lastProcessed, height, p.settings.MaxBlockRange, p.settings.InitialLookback)
	if !ok {
		// no new blocks, try again next tick
		return nil
	}
	p.processingMetrics.IncScannedWindows()

	events, err := p.queryEvents(ctx, window)
	if err != nil {
		return errors.Wrapf(err, "querying race events for blocks [%d-%d]", window.From, window.To)
	}

	if len(events) == 0 {
		return p.advance(window.To, 0)
	}
	p.logger.Infow("Processing race events", "fromBlock", window.From, "toBlock", window.To, "events", len(events))

	accruals, err := p.aggregateAccruals(ctx, events)
	if err != nil {
		return errors.Wrapf(err, "aggregating rewards for blocks [%d-%d]", window.From, window.To)
	}
	if len(accruals) == 0 {
		return p.advance(window.To, len(events))
	}

	plan, err := p.buildFundingPlan(ctx, accruals)
	if err != nil {
		return errors.Wrapf(err, "building funding plan for blocks [%d-%d]", window.From, window.To)
	}
	if plan.Empty() {
		p.logger.Infow("Accrued rewards already funded", "fromBlock", window.From, "toBlock", window.To)
		return p.advance(window.To, len(events))
	}

	receipt, err := p.fund(ctx, plan)
	if err != nil {
		return errors.Wrapf(err, "funding rewards for blocks [%d-%d]", window.From, window.To)
	}
	p.processingMetrics.IncFundingTransactions()
	p.processingMetrics.AddFundedWei(plan.Total)
	p.logger.Infow("Funded referral rewards", "beneficiaries", len(plan.Beneficiaries),
		"total", plan.Total.String(), "txHash", receipt.TxHash, "block", receipt.BlockNumber)

	p.sendReport(ctx, window, plan, receipt)
	return p.advance(window.To, len(events))
}

func (p *Processor) latestHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := p.retrier.Do(ctx, "get chain height", func() error {
		rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
		defer cancel()
		h, err := p.source.LatestHeight(rctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

func (p *Processor) queryEvents(ctx context.Context, window domain.ScanWindow) ([]domain.RaceEvent, error) {
	var events []domain.RaceEvent
	err := p.retrier.Do(ctx, "query race events", func() error {
		rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
		defer cancel()
		evs, err := p.source.RaceEvents(rctx, window.From, window.To)
		if err != nil {
			return err
		}
		events = evs
		return nil
	})
	return events, err
}

// aggregateAccruals resolves every race of a referred player to its
// beneficiary and accrues the fixed reward per race. Beneficiaries keep
// their first-seen order so the funding plan is deterministic for a window.
func (p *Processor) aggregateAccruals(ctx context.Context, events []domain.RaceEvent) ([]*domain.BeneficiaryAccrual, error) {
	accrualsByBeneficiary := make(map[common.Address]*domain.BeneficiaryAccrual)
	var ordered []*domain.BeneficiaryAccrual

	for _, event := range events {
		var hasBeneficiary bool
		err := p.retrier.Do(ctx, "check referral", func() error {
			rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
			defer cancel()
			has, err := p.ledger.HasBeneficiary(rctx, event.Player)
			if err != nil {
				return err
			}
			hasBeneficiary = has
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "checking referral for player [%s]", event.Player)
		}
		if !hasBeneficiary {
			continue
		}

		var beneficiary common.Address
		err = p.retrier.Do(ctx, "resolve beneficiary", func() error {
			rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
			defer cancel()
			b, err := p.ledger.BeneficiaryOf(rctx, event.Player)
			if err != nil {
				return err
			}
			beneficiary = b
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "resolving beneficiary for player [%s]", event.Player)
		}
		if beneficiary == (common.Address{}) {
			continue
		}

		accrual, ok := accrualsByBeneficiary[beneficiary]
		if !ok {
			accrual = &domain.BeneficiaryAccrual{Beneficiary: beneficiary, Reward: new(big.Int)}
			accrualsByBeneficiary[beneficiary] = accrual
			ordered = append(ordered, accrual)
		}
		accrual.Races++
		accrual.Reward.Add(accrual.Reward, p.settings.RewardPerRace)
	}
	return ordered, nil
}

// buildFundingPlan diffs accrued rewards against the balances the registry
// already holds. Rewards funded by an earlier run are not funded again, so
// replaying a window after a crash is safe.
func (p *Processor) buildFundingPlan(ctx context.Context, accruals []*domain.BeneficiaryAccrual) (*domain.FundingPlan, error) {
	plan := &domain.FundingPlan{Total: new(big.Int)}

	for _, accrual := range accruals {
		var pending *big.Int
		err := p.retrier.Do(ctx, "get pending balance", func() error {
			rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
			defer cancel()
			b, err := p.ledger.PendingBalance(rctx, accrual.Beneficiary)
			if err != nil {
				return err
			}
			pending = b
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "getting pending balance for beneficiary [%s]", accrual.Beneficiary)
		}

		unfunded := new(big.Int).Sub(accrual.Reward, pending)
		if unfunded.Sign() <= 0 {
			continue
		}
		plan.Add(accrual.Beneficiary, unfunded)
	}
	return plan, nil
}

func (p *Processor) fund(ctx context.Context, plan *domain.FundingPlan) (*domain.FundingReceipt, error) {
	var balance *big.Int
	err := p.retrier.Do(ctx, "get funder balance", func() error {
		rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
		defer cancel()
		b, err := p.funder.AvailableBalance(rctx)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting funder balance")
	}

	if balance.Cmp(plan.Total) < 0 {
		return nil, errors.Wrapf(domain.ErrInsufficientFunds, "balance [%s] needed [%s]", balance, plan.Total)
	}

	var nonce uint64
	err = p.retrier.Do(ctx, "get funder nonce", func() error {
		rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
		defer cancel()
		n, err := p.funder.NextNonce(rctx)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting funder nonce")
	}

	var receipt *domain.FundingReceipt
	// the nonce stays fixed across attempts, so a submission that landed
	// but lost its confirmation cannot be paid a second time
	err = p.retrier.Do(ctx, "submit funding transaction", func() error {
		sctx, cancel := context.WithTimeout(ctx, p.settings.SubmitTimeout)
		defer cancel()
		r, err := p.funder.Fund(sctx, nonce, plan.Beneficiaries, plan.Amounts, plan.Total)
		if err != nil {
			var revert *domain.RevertError
			if errors.As(err, &revert) {
				return retry.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (p *Processor) sendReport(ctx context.Context, window domain.ScanWindow, plan *domain.FundingPlan, receipt *domain.FundingReceipt) {
	if p.reporter == nil {
		return
	}

	report := &domain.FundingReport{
		FromBlock:     window.From,
		ToBlock:       window.To,
		Beneficiaries: make([]string, 0, len(plan.Beneficiaries)),
		Amounts:       make([]string, 0, len(plan.Amounts)),
		Total:         plan.Total.String(),
		TxHash:        receipt.TxHash.Hex(),
		FundedAt:      time.Now().UTC(),
	}
	for i := range plan.Beneficiaries {
		report.Beneficiaries = append(report.Beneficiaries, plan.Beneficiaries[i].Hex())
		report.Amounts = append(report.Amounts, plan.Amounts[i].String())
	}

	rctx, cancel := context.WithTimeout(ctx, p.settings.ReadTimeout)
	defer cancel()
	if err := p.reporter.SendReport(rctx, report); err != nil {
		p.logger.Errorw("error sending funding report", "txHash", report.TxHash, "error", err)
	}
}

func (p *Processor) advance(block uint64, eventCount int) error {
	err := p.store.SetLastProcessedBlock(block) // set after reconciled window only
	if err != nil {
		return errors.Wrapf(err, "storing last processed block [%d]", block)
	}
	p.processingMetrics.SetProcessedBlock(block)
	p.processingMetrics.AddProcessedEvents(eventCount)
	return nil
}
