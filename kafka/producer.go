package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/NFTcolumn/pony-referral-worker/domain"
)

// FundingReportProducer publishes one audit record per confirmed funding
// transaction.
type FundingReportProducer struct {
	kcl   *kgo.Client
	topic string
}

func NewFundingReportProducer(client *kgo.Client, topic string) *FundingReportProducer {
	return &FundingReportProducer{
		kcl:   client,
		topic: topic,
	}
}

func (p *FundingReportProducer) SendReport(ctx context.Context, report *domain.FundingReport) error {
	record, err := p.createRecord(report)
	if err != nil {
		return errors.Wrap(err, "creating record")
	}

	if err := p.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrap(err, "producing record")
	}
	return nil
}

func (p *FundingReportProducer) createRecord(report *domain.FundingReport) (*kgo.Record, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling funding report")
	}

	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, report.ToBlock)

	return &kgo.Record{
		Key:   key,
		Value: payload,
		Topic: p.topic,
	}, nil
}
