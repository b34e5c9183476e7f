package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/chainpay/withdrawd/db"
	"github.com/chainpay/withdrawd/db/prefixeddb"
	"github.com/chainpay/withdrawd/types"
)

// PutRequest persists a new withdrawal request. It returns
// ErrKeyAlreadyExists when a request with the same ID is already stored, so
// duplicate submissions become idempotent no-ops at the ingress.
func (s *Storage) PutRequest(r *types.WithdrawalRequest) error {
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	wTx := prefixeddb.NewPrefixedDatabase(s.db, requestPrefix).WriteTx()
	defer wTx.Discard()
	if _, err := wTx.Get([]byte(r.RequestID)); err == nil {
		return ErrKeyAlreadyExists
	}
	data, err := EncodeArtifact(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := wTx.Set([]byte(r.RequestID), data); err != nil {
		return err
	}
	return wTx.Commit()
}

// PutRequestAndEnqueue persists the request and appends the queue message in
// one transaction, so the insert and the publication succeed or fail
// together.
func (s *Storage) PutRequestAndEnqueue(r *types.WithdrawalRequest, queueName string, body []byte) error {
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	s.qLock.Lock()
	defer s.qLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	reqTx := prefixeddb.NewPrefixedWriteTx(wTx, requestPrefix)
	if _, err := reqTx.Get([]byte(r.RequestID)); err == nil {
		return ErrKeyAlreadyExists
	}
	data, err := EncodeArtifact(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := reqTx.Set([]byte(r.RequestID), data); err != nil {
		return err
	}
	if _, err := s.enqueueInTx(wTx, queueName, body, 0); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return wTx.Commit()
}

// Request returns the stored withdrawal request, or ErrNotFound.
func (s *Storage) Request(requestID string) (*types.WithdrawalRequest, error) {
	r := &types.WithdrawalRequest{}
	if err := s.getArtifact(requestPrefix, []byte(requestID), r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRequest applies fn to the stored request under the request lock and
// persists the result.
func (s *Storage) UpdateRequest(requestID string, fn func(*types.WithdrawalRequest) error) error {
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	wTx := prefixeddb.NewPrefixedDatabase(s.db, requestPrefix).WriteTx()
	defer wTx.Discard()
	data, err := wTx.Get([]byte(requestID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	r := &types.WithdrawalRequest{}
	if err := DecodeArtifact(data, r); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now()
	updated, err := EncodeArtifact(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := wTx.Set([]byte(requestID), updated); err != nil {
		return err
	}
	return wTx.Commit()
}

// TransitionRequest moves the request to the next status, enforcing the
// state DAG: terminal states absorb, and only DAG edges are allowed. The
// optional errMsg is recorded when transitioning to FAILED.
func (s *Storage) TransitionRequest(requestID string, next types.Status, errMsg string) error {
	return s.UpdateRequest(requestID, func(r *types.WithdrawalRequest) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.Status)
		}
		if !r.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, next)
		}
		r.Status = next
		if next == types.StatusFailed {
			r.ErrorMessage = errMsg
		}
		return nil
	})
}

// FailRequest moves the request to FAILED from any non-terminal state,
// recording the error message. Unlike TransitionRequest it does not require
// a direct DAG edge, since every non-terminal state may fail.
func (s *Storage) FailRequest(requestID string, errMsg string) error {
	return s.UpdateRequest(requestID, func(r *types.WithdrawalRequest) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.Status)
		}
		r.Status = types.StatusFailed
		r.ErrorMessage = errMsg
		return nil
	})
}

// AssignBatch marks the request as part of a multicall batch.
func (s *Storage) AssignBatch(requestID, batchID string) error {
	return s.UpdateRequest(requestID, func(r *types.WithdrawalRequest) error {
		r.Mode = types.ModeBatch
		r.BatchID = batchID
		return nil
	})
}

// ListRequests returns all stored request IDs. Intended for reconciliation
// tooling; the hot path always addresses requests by ID.
func (s *Storage) ListRequests() ([]string, error) {
	var ids []string
	err := prefixeddb.NewPrefixedReader(s.db, requestPrefix).Iterate(nil, func(k, _ []byte) bool {
		ids = append(ids, string(k))
		return true
	})
	return ids, err
}
