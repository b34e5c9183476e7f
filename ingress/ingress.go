// Package ingress accepts withdrawal submissions: it validates them
// strictly, persists the request in PENDING and publishes it to the
// tx-request queue in the same transaction.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainpay/withdrawd/config"
	"github.com/chainpay/withdrawd/log"
	"github.com/chainpay/withdrawd/queue"
	"github.com/chainpay/withdrawd/signer"
	"github.com/chainpay/withdrawd/storage"
	"github.com/chainpay/withdrawd/types"
)

var hexAddressRx = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)

// Submission is a user withdrawal intent as it arrives from the outer
// surface.
type Submission struct {
	RequestID    string // optional; generated when empty
	Amount       string
	Symbol       string
	ToAddress    string
	TokenAddress string
	Chain        types.Chain
	Network      types.Network
}

// Ingress validates submissions and feeds the pipeline.
type Ingress struct {
	stg *storage.Storage
}

// New builds an Ingress on the shared storage.
func New(stg *storage.Storage) *Ingress {
	return &Ingress{stg: stg}
}

// Submit validates the submission, persists a PENDING request and publishes
// it to tx-request, returning the request ID. The insert and the publication
// commit together. Resubmitting an already-stored request ID is an
// idempotent no-op returning the same ID.
func (i *Ingress) Submit(ctx context.Context, sub Submission) (string, error) {
	req, err := i.validate(sub)
	if err != nil {
		// Rejected submissions are still recorded, in FAILED, so the
		// outcome is auditable; nothing is published.
		if req != nil {
			req.Status = types.StatusFailed
			req.ErrorMessage = err.Error()
			if putErr := i.stg.PutRequest(req); putErr != nil && !errors.Is(putErr, storage.ErrKeyAlreadyExists) {
				log.Warnw("persist rejected request", "requestId", req.RequestID, "error", putErr.Error())
			}
		}
		return "", types.WrapError(types.KindValidation, err)
	}

	payload := types.TxRequestPayload{
		RequestID:    req.RequestID,
		Amount:       req.Amount,
		Symbol:       req.Symbol,
		ToAddress:    req.ToAddress,
		TokenAddress: req.TokenAddress,
		Chain:        req.Chain,
		Network:      req.Network,
		CreatedAt:    req.CreatedAt,
	}
	body, err := types.EncodeBody(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if err := i.stg.PutRequestAndEnqueue(req, queue.TxRequest, body); err != nil {
		if errors.Is(err, storage.ErrKeyAlreadyExists) {
			log.Debugw("duplicate submission", "requestId", req.RequestID)
			return req.RequestID, nil
		}
		return "", fmt.Errorf("persist request: %w", err)
	}
	log.Infow("withdrawal accepted",
		"requestId", req.RequestID,
		"chain", req.Chain,
		"network", req.Network,
		"amount", req.Amount,
		"to", req.ToAddress.Hex())
	return req.RequestID, nil
}

// validate applies the fail-fast validation rules and builds the PENDING
// request. On failure it returns the error together with the request
// skeleton when enough of the submission parsed to record the rejection.
func (i *Ingress) validate(sub Submission) (*types.WithdrawalRequest, error) {
	requestID := sub.RequestID
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate request id: %w", err)
		}
		requestID = id.String()
	} else if _, err := uuid.Parse(requestID); err != nil {
		return nil, fmt.Errorf("invalid request id %q: %w", requestID, err)
	}

	now := time.Now()
	req := &types.WithdrawalRequest{
		RequestID: requestID,
		Amount:    sub.Amount,
		Symbol:    sub.Symbol,
		Chain:     sub.Chain,
		Network:   sub.Network,
		Status:    types.StatusPending,
		Mode:      types.ModeSingle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !config.Supported(sub.Chain, sub.Network) {
		return req, fmt.Errorf("unsupported chain/network %s/%s", sub.Chain, sub.Network)
	}
	if !hexAddressRx.MatchString(sub.ToAddress) {
		return req, fmt.Errorf("invalid destination address %q", sub.ToAddress)
	}
	if sub.TokenAddress != "" && !hexAddressRx.MatchString(sub.TokenAddress) {
		return req, fmt.Errorf("invalid token address %q", sub.TokenAddress)
	}
	req.ToAddress = common.HexToAddress(sub.ToAddress)
	req.TokenAddress = common.HexToAddress(sub.TokenAddress)

	chainCfg, err := config.Chain(sub.Chain)
	if err != nil {
		return req, err
	}
	decimals := chainCfg.NativeDecimals
	symbol := chainCfg.NativeSymbol
	if req.TokenAddress != types.ZeroAddress {
		token, ok := config.TokenByAddress(sub.Chain, sub.Network, req.TokenAddress)
		if !ok {
			return req, fmt.Errorf("unsupported token %s on %s/%s",
				req.TokenAddress.Hex(), sub.Chain, sub.Network)
		}
		decimals = token.Decimals
		symbol = token.Symbol
	}
	if sub.Symbol == "" {
		req.Symbol = symbol
	}

	// Amount grammar and range are checked here; the base-unit value is
	// re-derived by the signing worker.
	if _, err := signer.ParseUnits(sub.Amount, decimals); err != nil {
		return req, fmt.Errorf("Invalid amount: %w", err)
	}
	return req, nil
}
