package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/prefixeddb"
	"github.com/chainpay/withdrawd/types"
)

// ErrNonceInUse is returned when inserting a signed record whose
// (chainID, from, nonce) triple already belongs to a non-superseded record.
var ErrNonceInUse = errors.New("nonce already in use for signer")

// nonceIndexKey builds the uniqueness-index key for (chainID, from, nonce).
func nonceIndexKey(chainID uint64, from common.Address, nonce uint64) []byte {
	key := make([]byte, 8+common.AddressLength+8)
	binary.BigEndian.PutUint64(key[:8], chainID)
	copy(key[8:8+common.AddressLength], from.Bytes())
	binary.BigEndian.PutUint64(key[8+common.AddressLength:], nonce)
	return key
}

// PutSignedTx persists a signed transaction record, maintaining the
// (chainID, from, nonce) uniqueness index and the batch index. It returns
// ErrNonceInUse when a different non-superseded record already holds the
// nonce.
func (s *Storage) PutSignedTx(rec *types.SignedTx) error {
	s.sigLock.Lock()
	defer s.sigLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	idxTx := prefixeddb.NewPrefixedWriteTx(wTx, nonceIndexPrefix)
	idxKey := nonceIndexKey(rec.ChainID, rec.From, rec.Nonce)
	if existing, err := idxTx.Get(idxKey); err == nil {
		prior := common.BytesToHash(existing)
		if prior != rec.TxHash {
			old := &types.SignedTx{}
			if err := s.getArtifactTx(wTx, signedPrefix, prior.Bytes(), old); err == nil && !old.Superseded {
				return fmt.Errorf("%w: chain %d from %s nonce %d held by %s",
					ErrNonceInUse, rec.ChainID, rec.From.Hex(), rec.Nonce, prior.Hex())
			}
		}
	}

	data, err := EncodeArtifact(rec)
	if err != nil {
		return fmt.Errorf("encode signed tx: %w", err)
	}
	sigTx := prefixeddb.NewPrefixedWriteTx(wTx, signedPrefix)
	if err := sigTx.Set(rec.TxHash.Bytes(), data); err != nil {
		return err
	}
	if err := idxTx.Set(idxKey, rec.TxHash.Bytes()); err != nil {
		return err
	}
	if rec.Batch() {
		batchTx := prefixeddb.NewPrefixedWriteTx(wTx, batchIndexPrefix)
		if err := batchTx.Set([]byte(rec.BatchID), rec.TxHash.Bytes()); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// SupersedeSignedTx replaces a stuck record with a gas-bumped one that keeps
// the same (chainID, from, nonce) triple but carries a different hash. The
// prior record is marked superseded; the index now points to the new hash.
func (s *Storage) SupersedeSignedTx(oldHash common.Hash, replacement *types.SignedTx) error {
	s.sigLock.Lock()
	defer s.sigLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	old := &types.SignedTx{}
	if err := s.getArtifactTx(wTx, signedPrefix, oldHash.Bytes(), old); err != nil {
		return fmt.Errorf("prior signed tx %s: %w", oldHash.Hex(), err)
	}
	if old.ChainID != replacement.ChainID || old.From != replacement.From || old.Nonce != replacement.Nonce {
		return fmt.Errorf("replacement does not preserve (chainID, from, nonce)")
	}
	old.Superseded = true
	oldData, err := EncodeArtifact(old)
	if err != nil {
		return fmt.Errorf("encode superseded tx: %w", err)
	}
	newData, err := EncodeArtifact(replacement)
	if err != nil {
		return fmt.Errorf("encode replacement tx: %w", err)
	}
	sigTx := prefixeddb.NewPrefixedWriteTx(wTx, signedPrefix)
	if err := sigTx.Set(oldHash.Bytes(), oldData); err != nil {
		return err
	}
	if err := sigTx.Set(replacement.TxHash.Bytes(), newData); err != nil {
		return err
	}
	idxTx := prefixeddb.NewPrefixedWriteTx(wTx, nonceIndexPrefix)
	idxKey := nonceIndexKey(replacement.ChainID, replacement.From, replacement.Nonce)
	if err := idxTx.Set(idxKey, replacement.TxHash.Bytes()); err != nil {
		return err
	}
	if replacement.Batch() {
		batchTx := prefixeddb.NewPrefixedWriteTx(wTx, batchIndexPrefix)
		if err := batchTx.Set([]byte(replacement.BatchID), replacement.TxHash.Bytes()); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// SignedTxByHash returns the signed record for the given hash.
func (s *Storage) SignedTxByHash(hash common.Hash) (*types.SignedTx, error) {
	rec := &types.SignedTx{}
	if err := s.getArtifact(signedPrefix, hash.Bytes(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SignedTxByBatch returns the current signed record for a batch ID.
func (s *Storage) SignedTxByBatch(batchID string) (*types.SignedTx, error) {
	hash, err := prefixeddb.NewPrefixedReader(s.db, batchIndexPrefix).Get([]byte(batchID))
	if err != nil {
		return nil, ErrNotFound
	}
	return s.SignedTxByHash(common.BytesToHash(hash))
}

// MarkBroadcasted records that the transaction hash has been submitted to
// the RPC, so a redelivered signed-tx message does not produce a duplicate
// on-chain submission.
func (s *Storage) MarkBroadcasted(hash common.Hash) error {
	return s.setArtifact(broadcastedPrefix, hash.Bytes(), true)
}

// IsBroadcasted reports whether the hash was already submitted.
func (s *Storage) IsBroadcasted(hash common.Hash) bool {
	_, err := prefixeddb.NewPrefixedReader(s.db, broadcastedPrefix).Get(hash.Bytes())
	return err == nil
}

// PutSentTx persists the bookkeeping that links a signed hash to the
// on-chain transaction accepted by the network.
func (s *Storage) PutSentTx(rec *types.SentTx) error {
	return s.setArtifact(sentPrefix, rec.TxHash.Bytes(), rec)
}

// SentTx returns the sent-transaction record for the given signed hash.
func (s *Storage) SentTx(hash common.Hash) (*types.SentTx, error) {
	rec := &types.SentTx{}
	if err := s.getArtifact(sentPrefix, hash.Bytes(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutSignedAndEnqueue persists the signed record, flips every linked request
// to SIGNED (assigning the batch where applicable) and appends the signed-tx
// queue message, all in one transaction. Either everything commits or the
// requests stay untouched and no message is published.
func (s *Storage) PutSignedAndEnqueue(rec *types.SignedTx, queueName string, body []byte) error {
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	s.qLock.Lock()
	defer s.qLock.Unlock()
	s.sigLock.Lock()
	defer s.sigLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	idxTx := prefixeddb.NewPrefixedWriteTx(wTx, nonceIndexPrefix)
	idxKey := nonceIndexKey(rec.ChainID, rec.From, rec.Nonce)
	if existing, err := idxTx.Get(idxKey); err == nil {
		prior := common.BytesToHash(existing)
		if prior != rec.TxHash {
			old := &types.SignedTx{}
			if err := s.getArtifactTx(wTx, signedPrefix, prior.Bytes(), old); err == nil && !old.Superseded {
				return fmt.Errorf("%w: chain %d from %s nonce %d held by %s",
					ErrNonceInUse, rec.ChainID, rec.From.Hex(), rec.Nonce, prior.Hex())
			}
		}
	}
	data, err := EncodeArtifact(rec)
	if err != nil {
		return fmt.Errorf("encode signed tx: %w", err)
	}
	sigTx := prefixeddb.NewPrefixedWriteTx(wTx, signedPrefix)
	if err := sigTx.Set(rec.TxHash.Bytes(), data); err != nil {
		return err
	}
	if err := idxTx.Set(idxKey, rec.TxHash.Bytes()); err != nil {
		return err
	}
	if rec.Batch() {
		batchTx := prefixeddb.NewPrefixedWriteTx(wTx, batchIndexPrefix)
		if err := batchTx.Set([]byte(rec.BatchID), rec.TxHash.Bytes()); err != nil {
			return err
		}
	}

	ids := rec.RequestIDs
	if rec.RequestID != "" {
		ids = []string{rec.RequestID}
	}
	reqTx := prefixeddb.NewPrefixedWriteTx(wTx, requestPrefix)
	for _, id := range ids {
		reqData, err := reqTx.Get([]byte(id))
		if err != nil {
			return fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		r := &types.WithdrawalRequest{}
		if err := DecodeArtifact(reqData, r); err != nil {
			return fmt.Errorf("decode request %s: %w", id, err)
		}
		if !r.Status.CanTransition(types.StatusSigned) {
			return fmt.Errorf("%w: %s → %s for request %s",
				ErrInvalidTransition, r.Status, types.StatusSigned, id)
		}
		r.Status = types.StatusSigned
		if rec.Batch() {
			r.Mode = types.ModeBatch
			r.BatchID = rec.BatchID
		}
		r.UpdatedAt = time.Now()
		updated, err := EncodeArtifact(r)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", id, err)
		}
		if err := reqTx.Set([]byte(id), updated); err != nil {
			return err
		}
	}

	if _, err := s.enqueueInTx(wTx, queueName, body, 0); err != nil {
		return fmt.Errorf("enqueue signed tx: %w", err)
	}
	return wTx.Commit()
}

// getArtifactTx reads and decodes an artifact inside an open transaction.
func (s *Storage) getArtifactTx(wTx db.WriteTx, prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedWriteTx(wTx, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	return DecodeArtifact(data, out)
}
