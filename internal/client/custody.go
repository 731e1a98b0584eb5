package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

const methodTransfer = "custody_transfer"

// 托管服务自定义错误码
const (
	custodyCodeInsufficientFunds  = -32010
	custodyCodeInvalidDestination = -32011
	custodyCodeDuplicateRequest   = -32012
)

// ErrCustodyRejected 托管服务拒绝出款
var ErrCustodyRejected = bizerr.New(bizerr.KindValidation, "CUSTODY_REJECTED", "托管服务拒绝出款")

// CustodyClient 托管签名服务 JSON-RPC 客户端
type CustodyClient struct {
	rpc     *rpc.Client
	timeout time.Duration
}

type transferParams struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
}

type transferResult struct {
	TxHash string `json:"tx_hash"`
}

// NewCustodyClient 连接托管服务
func NewCustodyClient(ctx context.Context, cfg config.CustodyConfig) (*CustodyClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("custody rpc url is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	c, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial custody rpc: %w", err)
	}
	return &CustodyClient{rpc: c, timeout: timeout}, nil
}

// Transfer 提交出款，返回链上交易哈希；相同 RefundID 的重复请求返回首次结果
func (c *CustodyClient) Transfer(ctx context.Context, req *model.TransferRequest) (string, error) {
	if err := validateDestination(req); err != nil {
		return "", err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var result transferResult
	err := c.rpc.CallContext(ctx, &result, methodTransfer, transferParams{
		IdempotencyKey: req.RefundID,
		To:             req.ToAddress,
		Amount:         req.Amount.String(),
		Asset:          string(req.Currency),
	})
	if err != nil {
		metrics.RecordExternalCall("custody", methodTransfer, "error")
		return "", classifyCustodyError(req.RefundID, err)
	}
	metrics.RecordExternalCall("custody", methodTransfer, "ok")

	if result.TxHash == "" {
		return "", bizerr.Transient(nil, "custody returned empty tx hash for refund %s", req.RefundID)
	}
	logger.Info("custody transfer submitted",
		zap.String("refund_id", req.RefundID),
		zap.String("tx_hash", result.TxHash),
	)
	return result.TxHash, nil
}

// Close 关闭连接
func (c *CustodyClient) Close() {
	c.rpc.Close()
}

func validateDestination(req *model.TransferRequest) error {
	if !req.Amount.IsPositive() {
		return bizerr.ErrInvalidAmount.WithDetail("refund_id", req.RefundID)
	}
	spec, ok := req.Currency.Spec()
	if !ok {
		return bizerr.ErrUnsupportedCurrency.WithDetail("currency", string(req.Currency))
	}
	if req.ToAddress == "" {
		return bizerr.ErrInvalidAddress.WithDetail("refund_id", req.RefundID)
	}
	if spec.Network == model.NetworkEthereum && !common.IsHexAddress(req.ToAddress) {
		return bizerr.ErrInvalidAddress.WithDetail("address", req.ToAddress)
	}
	return nil
}

func classifyCustodyError(refundID string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch code := rpcErr.ErrorCode(); {
		case code == custodyCodeInvalidDestination, code == -32600, code == -32601, code == -32602:
			return bizerr.Wrap(ErrCustodyRejected, err).WithDetail("refund_id", refundID)
		case code == custodyCodeDuplicateRequest:
			// 同一幂等键的请求仍在处理中
			return bizerr.Transient(err, "custody transfer for refund %s in progress", refundID)
		case code == custodyCodeInsufficientFunds:
			return bizerr.Transient(err, "custody hot wallet underfunded")
		default:
			return bizerr.Transient(err, "custody rpc error %d", code)
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError {
			return bizerr.Transient(err, "custody http %d", httpErr.StatusCode)
		}
		return bizerr.Wrap(ErrCustodyRejected, err).WithDetail("refund_id", refundID)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return bizerr.Transient(err, "custody unreachable")
	}
	return bizerr.Transient(err, "custody call failed")
}
