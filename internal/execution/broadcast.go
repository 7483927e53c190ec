package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swap-router/internal/swap"
	"swap-router/internal/wallet"
)

// PendingError 表示交易已广播但在等待时限内未确认。会话保持进行中，后台继续等待结果。
type PendingError struct {
	Hash common.Hash
	// Approval 非零时表示该交易为授权交易，确认后需刷新该授权缓存。
	Approval swap.ApprovalKey
	// Record 非空时表示该交易为最终成交交易，确认后据此完成会话。
	Record *swap.OrderRecord

	tx wallet.PendingTx
}

// Error 实现 error。
func (e *PendingError) Error() string {
	return fmt.Sprintf("execution: 交易 %s 未在时限内确认", e.Hash.Hex())
}

// Unwrap 返回 swap.ErrTxPending。
func (e *PendingError) Unwrap() error {
	return swap.ErrTxPending
}

// broadcastSigner 在广播成功后立即把交易哈希写入会话。
type broadcastSigner struct {
	wallet.Signer
	exec *Executor
	id   uuid.UUID
}

func (e *Executor) signerFor(id uuid.UUID) wallet.Signer {
	return broadcastSigner{Signer: e.deps.Signer, exec: e, id: id}
}

func (s broadcastSigner) SendTransaction(ctx context.Context, req wallet.TxRequest) (wallet.PendingTx, error) {
	pending, err := s.Signer.SendTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	s.exec.markBroadcast(s.id, pending.Hash())
	return detachedTx{PendingTx: pending, timeout: s.exec.opts.ConfirmTimeout}, nil
}

// detachedTx 的确认等待不受请求取消影响，超时返回 *PendingError。
type detachedTx struct {
	wallet.PendingTx
	timeout time.Duration
}

func (t detachedTx) Wait(ctx context.Context, confirmations uint64) error {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	err := t.PendingTx.Wait(waitCtx, confirmations)
	if err != nil && waitCtx.Err() != nil {
		return &PendingError{Hash: t.Hash(), tx: t.PendingTx}
	}
	return err
}

func (e *Executor) markBroadcast(id uuid.UUID, hash common.Hash) {
	if _, err := e.deps.Store.Apply(id, swap.Patch{Tx: swap.Set(swap.TxState{InFlight: true, Hash: hash.Hex()})}); err != nil {
		e.logger.Warn("记录已广播交易失败", zap.String("session", id.String()), zap.String("hash", hash.Hex()), zap.Error(err))
		return
	}
	e.logger.Info("交易已广播", zap.String("session", id.String()), zap.String("hash", hash.Hex()))
}

// pending 保留进行中状态与交易哈希，并在后台等待最终结果。
func (e *Executor) pending(sess swap.Session, pe *PendingError) (swap.Session, error) {
	exec := swap.ClassifyExecution(pe, e.deps.Translate)
	updated, err := e.deps.Store.Apply(sess.ID, swap.Patch{
		Tx: swap.Set(swap.TxState{InFlight: true, Hash: pe.Hash.Hex(), Error: exec}),
	})
	if err != nil {
		e.logger.Warn("写入待确认状态失败", zap.String("session", sess.ID.String()), zap.Error(err))
		updated = sess
	}
	e.logger.Warn("交易确认超时，转入后台等待",
		zap.String("session", sess.ID.String()),
		zap.String("hash", pe.Hash.Hex()),
		zap.Bool("final", pe.Record != nil),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.settle(sess, pe)
	}()
	return updated, exec
}

func (e *Executor) settle(sess swap.Session, pe *PendingError) {
	ctx, cancel := context.WithTimeout(e.base, e.opts.SettleTimeout)
	defer cancel()

	err := pe.tx.Wait(ctx, 1)
	if err != nil && ctx.Err() != nil {
		e.logger.Error("交易仍未确认，会话保持进行中",
			zap.String("session", sess.ID.String()),
			zap.String("hash", pe.Hash.Hex()),
			zap.Error(err),
		)
		return
	}
	if !pe.Approval.IsZero() {
		e.deps.Approvals.Invalidate(pe.Approval)
	}
	if err != nil {
		e.fail(sess, err)
		return
	}

	if pe.Record == nil {
		if _, applyErr := e.deps.Store.Apply(sess.ID, swap.Patch{Tx: swap.Set(swap.TxState{Hash: pe.Hash.Hex()})}); applyErr != nil {
			e.logger.Warn("写入交易确认失败", zap.String("session", sess.ID.String()), zap.Error(applyErr))
		}
		e.logger.Info("交易已确认", zap.String("session", sess.ID.String()), zap.String("hash", pe.Hash.Hex()))
		return
	}
	rec, completeErr := e.complete(sess.ID, pe.Record)
	if completeErr != nil {
		e.logger.Warn("完成会话失败", zap.String("session", sess.ID.String()), zap.Error(completeErr))
		return
	}
	e.mu.Lock()
	onSettled := e.onSettled
	e.mu.Unlock()
	if onSettled != nil {
		onSettled(ctx, *rec)
	}
}

// withRecord 为最终交易的待确认错误附上订单记录。
func withRecord(err error, rec *swap.OrderRecord) error {
	var pe *PendingError
	if errors.As(err, &pe) {
		pe.Record = rec
	}
	return err
}
