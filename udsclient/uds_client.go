package udsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/rs/zerolog"
)

const (
	responseBufferSize     = 16                      // 响应缓冲区大小
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时 (P2*)
	defaultMaxRetries      = 3                       // 默认最大重试次数
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

const negativeResponseSID = 0x7F

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "一般拒绝",
	NRCServiceNotSupported:                    "服务不支持",
	NRCSubFunctionNotSupported:                "子功能不支持",
	NRCIncorrectMessageLength:                 "消息长度错误",
	NRCResponseTooLong:                        "响应过长",
	NRCBusyRepeatRequest:                      "忙，请重复请求",
	NRCConditionsNotCorrect:                   "条件不满足",
	NRCRequestSequenceError:                   "请求顺序错误",
	NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	NRCFailurePreventsExecution:               "故障阻止执行",
	NRCRequestOutOfRange:                      "请求超出范围",
	NRCSecurityAccessDenied:                   "安全访问被拒绝",
	NRCInvalidKey:                             "无效密钥",
	NRCExceedNumberOfAttempts:                 "超过尝试次数",
	NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	NRCTransferDataSuspended:                  "传输数据暂停",
	NRCGeneralProgrammingFailure:              "一般编程失败",
	NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	NRCResponsePending:                        "响应挂起",
	NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// ErrClientClosed 在客户端关闭后返回
var ErrClientClosed = errors.New("UDS 客户端已关闭")

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// TimeoutError 表示在超时时间内没有收到响应
type TimeoutError struct {
	ServiceID byte
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("等待响应超时 (%v), SID=0x%02X", e.Timeout, e.ServiceID)
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout        time.Duration // 单次请求超时 (P2)
	PendingTimeout time.Duration // 收到 0x78 后的超时 (P2*)
	MaxRetries     int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay     time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        500 * time.Millisecond,
		PendingTimeout: responsePendingTimeout,
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     100 * time.Millisecond,
	}
}

// getNRCDescription 获取 NRC 错误描述
func getNRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

// UDSClient 在一个 ISO-TP 通道上实现请求/响应语义, 同一时间只有一个请求在途
type UDSClient struct {
	channel   *tp.Channel
	log       zerolog.Logger
	responses chan []byte

	reqMu     sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewUDSClient 接管通道的接收回调
func NewUDSClient(channel *tp.Channel, log zerolog.Logger) *UDSClient {
	c := &UDSClient{
		channel:   channel,
		log:       log.With().Str("component", "uds").Logger(),
		responses: make(chan []byte, responseBufferSize),
		closed:    make(chan struct{}),
	}
	channel.SetInboundHandler(c.onMessage)
	channel.SetErrorHandler(func(err error) {
		c.log.Warn().Err(err).Msg("ISO-TP 接收错误")
	})
	return c
}

// onMessage 运行在 broker 的处理goroutine上, 不能阻塞
func (c *UDSClient) onMessage(sender uint32, payload []byte) {
	select {
	case c.responses <- payload:
	default:
		c.log.Warn().Uint32("sender", sender).Hex("data", payload).Msg("响应缓冲区已满, 丢弃响应")
	}
}

// SendAndRecv 发送一个请求并阻塞等待响应，不重试
func (c *UDSClient) SendAndRecv(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	opts.MaxRetries = 0
	return c.RequestWithContext(context.Background(), payload, opts)
}

// Request 简化版请求函数，使用默认选项
func (c *UDSClient) Request(payload []byte) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, DefaultRequestOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *UDSClient) RequestWithTimeout(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	return c.RequestWithContext(context.Background(), payload, opts)
}

// RequestWithContext 发送 UDS 请求并等待响应，支持：
//   - Context 取消
//   - 完整的 NRC 错误处理
//   - 自动重试机制 (仅对可重试错误)
//   - 响应 SID 验证
func (c *UDSClient) RequestWithContext(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = responsePendingTimeout
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	requestSID := payload[0]
	expectedResponseSID := requestSID + 0x40 // 正响应 SID = 请求 SID + 0x40

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug().Int("attempt", attempt).Int("max", opts.MaxRetries).Msgf("UDS 请求重试, SID=0x%02X", requestSID)
			if err := sleep(ctx, opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		response, err := c.singleRequest(ctx, payload, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var udsErr *UDSError
			if errors.As(err, &udsErr) && udsErr.IsRetryable() && attempt < opts.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}

		if len(response) == 0 || response[0] != expectedResponseSID {
			got := byte(0)
			if len(response) > 0 {
				got = response[0]
			}
			return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", expectedResponseSID, got)
		}
		return response, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
	}
	return nil, errors.New("未知错误")
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *UDSClient) singleRequest(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	// 发送前清空可能存在的旧响应
	c.drain()

	result, err := c.channel.Send(ctx, payload)
	if err != nil {
		return nil, c.wrapClosed(err)
	}
	if err := result.Wait(ctx); err != nil {
		return nil, c.wrapClosed(fmt.Errorf("发送请求失败: %w", err))
	}

	timeout := opts.Timeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClientClosed
		case <-deadline.C:
			return nil, &TimeoutError{ServiceID: payload[0], Timeout: timeout}
		case data := <-c.responses:
			if len(data) >= 3 && data[0] == negativeResponseSID {
				serviceSID, nrc := data[1], data[2]
				if serviceSID != payload[0] {
					c.log.Debug().Hex("data", data).Msg("忽略其他服务的负响应")
					continue
				}
				// Response Pending - 重置超时继续等待
				if nrc == NRCResponsePending {
					if !deadline.Stop() {
						select {
						case <-deadline.C:
						default:
						}
					}
					timeout = opts.PendingTimeout
					deadline.Reset(timeout)
					c.log.Debug().Msgf("收到 Response Pending (SID=0x%02X)，继续等待...", serviceSID)
					continue
				}
				return nil, &UDSError{
					ServiceID: serviceSID,
					NRC:       nrc,
					Message:   getNRCDescription(nrc),
				}
			}
			return data, nil
		}
	}
}

func (c *UDSClient) drain() {
	for {
		select {
		case <-c.responses:
		default:
			return
		}
	}
}

func (c *UDSClient) wrapClosed(err error) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	default:
		return err
	}
}

// Close 关闭客户端及其通道
func (c *UDSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.channel.Close()
	})
	return err
}

// IsClosed 检查客户端是否已关闭
func (c *UDSClient) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
