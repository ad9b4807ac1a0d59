package services

import (
	"context"
	"fmt"
	"math/big"

	"echo-vault/internal/clients"
	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// resolution outcome of one record for the rest of its batch
type resolution int

const (
	resolutionNext  resolution = iota // settled or failed, continue with the next record
	resolutionDefer                   // stop the batch, retry next iteration
)

// echoBatch nonce and balance bookkeeping shared by one resolution batch
type echoBatch struct {
	mined      uint64   // nonces already included on the ledger
	nonce      uint64   // next nonce to sign with
	committed  *big.Int // value and gas already sent in this batch
	broadcasts int
	seen       int
}

func newEchoBatch(mined, pending uint64) *echoBatch {
	nonce := pending
	if mined > nonce {
		nonce = mined
	}
	return &echoBatch{mined: mined, nonce: nonce, committed: new(big.Int)}
}

// consume accounts for an echo the ledger accepted
func (b *echoBatch) consume(in *models.InflightEcho) {
	b.broadcasts++
	if in.Nonce+1 > b.nonce {
		b.nonce = in.Nonce + 1
	}
	b.committed.Add(b.committed, in.EchoValue.BigInt())
	b.committed.Add(b.committed, in.GasFee.BigInt())
}

// SafeGasCost gas_limit * max_fee * margin, integer arithmetic
func (s *EchoService) SafeGasCost(maxFee *big.Int) *big.Int {
	cost := new(big.Int).SetUint64(s.cfg.GasLimit)
	cost.Mul(cost, maxFee)
	cost.Mul(cost, big.NewInt(s.cfg.GasMarginPct))
	return cost.Div(cost, big.NewInt(100))
}

// resolveRecord decides the fate of one pending record
func (s *EchoService) resolveRecord(ctx context.Context, rec *models.TransferRecord, batch *echoBatch) resolution {
	if rec.Inflight != nil {
		return s.resumeInflight(ctx, rec, batch)
	}
	log := s.recordLogger(rec)

	callCtx, cancel := s.callContext(ctx)
	fees, err := s.ledger.EstimateFees(callCtx)
	cancel()
	if err != nil {
		s.loopError("fees", err)
		return resolutionDefer
	}
	safeGas := s.SafeGasCost(fees.MaxFee)
	value := rec.Value.BigInt()

	if value.Cmp(safeGas) <= 0 {
		s.settle(ctx, rec.IncomingHash, "skipped", func(r *models.TransferRecord) {
			r.Status = models.TransferStatusSkipped
			r.SetGasFee(safeGas)
			r.EchoValue = "Value less than gas cost"
		})
		log.WithField("gas_fee", safeGas.String()).Warn("⚠️ [EchoService] value does not cover gas, skipped")
		return resolutionNext
	}

	callCtx, cancel = s.callContext(ctx)
	balance, err := s.ledger.Balance(callCtx, s.address)
	cancel()
	if err != nil {
		s.loopError("balance", err)
		return resolutionDefer
	}
	spendable := new(big.Int).Sub(balance, batch.committed)
	if spendable.Sign() < 0 {
		spendable.SetInt64(0)
	}
	amount := value
	if spendable.Cmp(amount) < 0 {
		amount = spendable
	}
	if amount.Cmp(safeGas) <= 0 {
		metrics.EchoOutcomes.WithLabelValues("deferred").Inc()
		log.WithFields(logrus.Fields{
			"spendable": spendable.String(),
			"gas_fee":   safeGas.String(),
		}).Warn("⏳ [EchoService] insufficient balance, deferring")
		return resolutionDefer
	}
	echoValue := new(big.Int).Sub(amount, safeGas)

	prevStatus := rec.Status
	s.state.Update(rec.IncomingHash, func(r *models.TransferRecord) {
		r.Status = models.TransferStatusProcessing
		r.Attempts++
		r.UpdatedAt = s.now()
	})
	s.publish(ctx, rec.IncomingHash)

	req := &models.SignTxRequest{
		ChainID:              s.chainID,
		Nonce:                batch.nonce,
		MaxPriorityFeePerGas: fees.PriorityFee,
		MaxFeePerGas:         fees.MaxFee,
		GasLimit:             s.cfg.GasLimit,
		To:                   common.HexToAddress(rec.From),
		Value:                echoValue,
	}
	callCtx, cancel = s.callContext(ctx)
	signed, err := s.signer.SignTransaction(callCtx, req)
	cancel()
	if err != nil {
		s.fail(ctx, rec.IncomingHash, fmt.Errorf("sign failed: %w", err))
		return resolutionNext
	}

	inflight := &models.InflightEcho{
		Nonce:     req.Nonce,
		RawTx:     hexutil.Encode(signed.RawTransaction),
		TxHash:    signed.TxHash.Hex(),
		EchoValue: models.NewWei(echoValue),
		GasFee:    models.NewWei(safeGas),
		SignedAt:  s.now(),
	}
	s.state.Update(rec.IncomingHash, func(r *models.TransferRecord) {
		r.Inflight = inflight
	})
	// write-ahead: a broadcast is only attempted once its signed bytes are durable
	if err := s.persistence.PersistNow(ctx); err != nil {
		s.state.Update(rec.IncomingHash, func(r *models.TransferRecord) {
			r.Inflight = nil
			r.Status = prevStatus
		})
		s.loopError("persist", err)
		return resolutionDefer
	}

	log.WithFields(logrus.Fields{
		"nonce":      inflight.Nonce,
		"echo_hash":  inflight.TxHash,
		"echo_value": echoValue.String(),
	}).Info("✍️ [EchoService] echo signed")
	return s.broadcast(ctx, rec.IncomingHash, inflight, signed.RawTransaction, batch, false)
}

// resumeInflight settles an echo whose earlier broadcast outcome is unknown.
// The same signed bytes are sent again; a fresh nonce is never used for it.
func (s *EchoService) resumeInflight(ctx context.Context, rec *models.TransferRecord, batch *echoBatch) resolution {
	in := rec.Inflight
	if in.Nonce < batch.mined {
		return s.settleConsumed(ctx, rec.IncomingHash, in)
	}
	raw, err := hexutil.Decode(in.RawTx)
	if err != nil {
		s.fail(ctx, rec.IncomingHash, fmt.Errorf("stored echo is unreadable: %w", err))
		return resolutionNext
	}
	s.recordLogger(rec).WithFields(logrus.Fields{
		"nonce":     in.Nonce,
		"echo_hash": in.TxHash,
	}).Info("🔁 [EchoService] rebroadcasting echo with unknown outcome")
	return s.broadcast(ctx, rec.IncomingHash, in, raw, batch, true)
}

// broadcast hands the signed echo to the ledger and records the outcome
func (s *EchoService) broadcast(ctx context.Context, hash string, in *models.InflightEcho, raw []byte, batch *echoBatch, resumed bool) resolution {
	callCtx, cancel := s.callContext(ctx)
	_, err := s.ledger.SendRawTransaction(callCtx, raw)
	cancel()

	switch {
	case err == nil:
		s.succeed(ctx, hash, in, "broadcast")
		batch.consume(in)
		return resolutionNext
	case clients.IsAlreadyKnown(err):
		s.succeed(ctx, hash, in, "already_known")
		batch.consume(in)
		return resolutionNext
	case resumed && clients.IsNonceTooLow(err):
		return s.settleConsumed(ctx, hash, in)
	case clients.IsTimeout(err) || clients.LedgerErrorKindOf(err) == clients.LedgerErrorTransient:
		metrics.EchoOutcomes.WithLabelValues("unknown").Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"incoming_hash": hash,
			"nonce":         in.Nonce,
			"echo_hash":     in.TxHash,
		}).Warn("⚠️ [EchoService] broadcast outcome unknown, will rebroadcast")
		return resolutionDefer
	default:
		s.fail(ctx, hash, fmt.Errorf("broadcast failed: %w", err))
		return resolutionNext
	}
}

// settleConsumed resolves an inflight echo whose nonce the ledger has used.
// Only its own included transaction makes it a success; anything else took
// the nonce and the echo is retried with a new one.
func (s *EchoService) settleConsumed(ctx context.Context, hash string, in *models.InflightEcho) resolution {
	callCtx, cancel := s.callContext(ctx)
	receipt, err := s.ledger.TransactionReceipt(callCtx, common.HexToHash(in.TxHash))
	cancel()
	if err != nil {
		s.loopError("receipt", err)
		return resolutionDefer
	}
	switch {
	case receipt == nil:
		s.fail(ctx, hash, fmt.Errorf("nonce %d was used by another transaction, echo %s was never included", in.Nonce, in.TxHash))
	case !receipt.Success:
		s.fail(ctx, hash, fmt.Errorf("echo %s reverted in block %d", in.TxHash, receipt.BlockNumber))
	default:
		s.succeed(ctx, hash, in, "mined")
	}
	return resolutionNext
}

// succeed marks the echo as accepted by the ledger
func (s *EchoService) succeed(ctx context.Context, hash string, in *models.InflightEcho, via string) {
	ok := s.settle(ctx, hash, "success", func(r *models.TransferRecord) {
		r.Status = models.TransferStatusSuccess
		r.SetEchoHash(in.TxHash)
		r.SetGasFee(in.GasFee.BigInt())
		r.EchoValue = fmt.Sprintf("Echoed %s wei", in.EchoValue.String())
	})
	if !ok {
		return
	}
	s.state.IncrementProcessed()
	s.logger.WithFields(logrus.Fields{
		"incoming_hash": hash,
		"echo_hash":     in.TxHash,
		"nonce":         in.Nonce,
		"echo_value":    in.EchoValue.String(),
		"via":           via,
	}).Info("✅ [EchoService] transfer echoed")
}

// fail records a retryable failure; the record stays pending
func (s *EchoService) fail(ctx context.Context, hash string, cause error) {
	ok := s.state.Update(hash, func(r *models.TransferRecord) {
		r.Status = models.TransferStatusFailed
		r.EchoValue = fmt.Sprintf("Echo failed: %v", cause)
		r.Inflight = nil
		r.UpdatedAt = s.now()
	})
	if !ok {
		return
	}
	metrics.EchoOutcomes.WithLabelValues("failed").Inc()
	s.scheduleBackoff(hash)
	s.logger.WithError(cause).WithField("incoming_hash", hash).Error("❌ [EchoService] echo failed, will retry")
	s.publish(ctx, hash)
}

// settle moves a record to a terminal status
func (s *EchoService) settle(ctx context.Context, hash, outcome string, fn func(r *models.TransferRecord)) bool {
	ok := s.state.Update(hash, func(r *models.TransferRecord) {
		fn(r)
		r.Inflight = nil
		r.UpdatedAt = s.now()
	})
	if !ok {
		return false
	}
	metrics.EchoOutcomes.WithLabelValues(outcome).Inc()
	s.clearBackoff(hash)
	s.publish(ctx, hash)
	return true
}

func (s *EchoService) publish(ctx context.Context, hash string) {
	if rec, ok := s.state.Record(hash); ok {
		s.events.Publish(ctx, rec)
	}
}

func (s *EchoService) recordLogger(rec *models.TransferRecord) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"incoming_hash": rec.IncomingHash,
		"from":          rec.From,
		"value":         rec.Value.String(),
		"block":         rec.BlockNumber,
	})
}

// inBackoff reports whether a failed record is still inside its retry window.
// Always false unless failed backoff is enabled.
func (s *EchoService) inBackoff(rec *models.TransferRecord) bool {
	if !s.cfg.FailedBackoff.Enabled || rec.Status != models.TransferStatusFailed {
		return false
	}
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	b, ok := s.backoffs[rec.IncomingHash]
	return ok && s.now().Before(b.next)
}

func (s *EchoService) scheduleBackoff(hash string) {
	if !s.cfg.FailedBackoff.Enabled {
		return
	}
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	b, ok := s.backoffs[hash]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		if s.cfg.FailedBackoff.InitialInterval > 0 {
			policy.InitialInterval = s.cfg.FailedBackoff.InitialInterval
		}
		if s.cfg.FailedBackoff.MaxInterval > 0 {
			policy.MaxInterval = s.cfg.FailedBackoff.MaxInterval
		}
		policy.MaxElapsedTime = 0 // never give up
		policy.Reset()
		b = &recordBackoff{policy: policy}
		s.backoffs[hash] = b
	}
	b.next = s.now().Add(b.policy.NextBackOff())
}

func (s *EchoService) clearBackoff(hash string) {
	s.backoffMu.Lock()
	delete(s.backoffs, hash)
	s.backoffMu.Unlock()
}
