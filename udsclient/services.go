package udsclient

import (
	"bytes"
	"context"
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// UDS 服务 ID
const (
	SIDDiagnosticSessionControl = 0x10
	SIDECUReset                 = 0x11
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDWriteDataByIdentifier    = 0x2E
	SIDRequestDownload          = 0x34
	SIDTransferData             = 0x36
	SIDRequestTransferExit      = 0x37
	SIDTesterPresent            = 0x3E
)

// 诊断会话
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

// DiagnosticSessionControl 切换诊断会话
func (c *UDSClient) DiagnosticSessionControl(ctx context.Context, session byte) ([]byte, error) {
	return c.RequestWithContext(ctx, []byte{SIDDiagnosticSessionControl, session}, DefaultRequestOptions())
}

// ECUReset 请求 ECU 复位
func (c *UDSClient) ECUReset(ctx context.Context, resetType byte) error {
	_, err := c.RequestWithContext(ctx, []byte{SIDECUReset, resetType}, DefaultRequestOptions())
	return err
}

// TesterPresent 保持当前会话; 抑制正响应时不等待应答
func (c *UDSClient) TesterPresent(ctx context.Context, suppress bool) error {
	if !suppress {
		_, err := c.RequestWithContext(ctx, []byte{SIDTesterPresent, 0x00}, DefaultRequestOptions())
		return err
	}
	result, err := c.channel.Send(ctx, []byte{SIDTesterPresent, 0x80})
	if err != nil {
		return err
	}
	return result.Wait(ctx)
}

// ReadDataByIdentifier 读取一个 DID, 返回去掉 SID 和 DID 之后的数据
func (c *UDSClient) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.RequestWithContext(ctx, []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}, DefaultRequestOptions())
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || resp[1] != byte(did>>8) || resp[2] != byte(did) {
		return nil, fmt.Errorf("DID 不匹配: 期望 0x%04X, 响应 % X", did, resp)
	}
	return resp[3:], nil
}

// WriteDataByIdentifier 写入一个 DID
func (c *UDSClient) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	req := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, data...)
	_, err := c.RequestWithContext(ctx, req, DefaultRequestOptions())
	return err
}

// ComputeKey 用 AES-128-CMAC 由种子计算密钥
func ComputeKey(secret, seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("创建 CMAC 失败: %w", err)
	}
	mac.Write(seed)
	return mac.Sum(nil), nil
}

// SecurityAccess 执行 0x27 种子/密钥交换. level 为奇数的请求种子子功能,
// 发送密钥时使用 level+1. 全零种子表示已经解锁
func (c *UDSClient) SecurityAccess(ctx context.Context, level byte, secret []byte) error {
	if level%2 == 0 {
		return fmt.Errorf("安全级别必须为奇数, 实际为 0x%02X", level)
	}
	resp, err := c.RequestWithContext(ctx, []byte{SIDSecurityAccess, level}, DefaultRequestOptions())
	if err != nil {
		return fmt.Errorf("请求种子失败: %w", err)
	}
	if len(resp) < 2 || resp[1] != level {
		return fmt.Errorf("种子响应格式错误: % X", resp)
	}
	seed := resp[2:]
	if len(seed) == 0 || bytes.Equal(seed, make([]byte, len(seed))) {
		c.log.Debug().Uint8("level", level).Msg("ECU 已解锁")
		return nil
	}

	key, err := ComputeKey(secret, seed)
	if err != nil {
		return err
	}
	req := append([]byte{SIDSecurityAccess, level + 1}, key...)
	if _, err := c.RequestWithContext(ctx, req, DefaultRequestOptions()); err != nil {
		return fmt.Errorf("发送密钥失败: %w", err)
	}
	c.log.Info().Uint8("level", level).Msg("安全访问已解锁")
	return nil
}
