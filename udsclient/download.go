package udsclient

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/marcinbor85/gohex"
)

// dataFormatIdentifier 0x00 表示不压缩不加密;
// addressAndLengthFormatIdentifier 0x44 表示 4 字节地址和 4 字节长度
const (
	dataFormatPlain     = 0x00
	addressLengthFormat = 0x44
)

// DownloadProgress 在每个 TransferData 块成功后调用
type DownloadProgress func(segment int, address uint32, sent, total int)

// LoadHexFile 解析 Intel HEX 文件
func LoadHexFile(path string) (*gohex.Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 HEX 文件失败: %w", err)
	}
	defer f.Close()
	return ParseHex(f)
}

// ParseHex 从 r 解析 Intel HEX 数据
func ParseHex(r io.Reader) (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("解析 HEX 失败: %w", err)
	}
	return mem, nil
}

// Download 把镜像的每个数据段依次通过 RequestDownload / TransferData /
// RequestTransferExit 下载到 ECU
func (c *UDSClient) Download(ctx context.Context, mem *gohex.Memory, progress DownloadProgress) error {
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return fmt.Errorf("HEX 镜像中没有数据段")
	}
	for i, seg := range segments {
		if err := c.downloadSegment(ctx, i, seg.Address, seg.Data, progress); err != nil {
			return fmt.Errorf("数据段 %d (0x%08X): %w", i, seg.Address, err)
		}
	}
	return nil
}

func (c *UDSClient) downloadSegment(ctx context.Context, index int, address uint32, data []byte, progress DownloadProgress) error {
	req := []byte{SIDRequestDownload, dataFormatPlain, addressLengthFormat}
	req = append(req, IntToBig(address)...)
	req = append(req, IntToBig(uint32(len(data)))...)
	resp, err := c.RequestWithContext(ctx, req, DefaultRequestOptions())
	if err != nil {
		return fmt.Errorf("RequestDownload: %w", err)
	}
	maxBlock, err := parseMaxBlockLength(resp)
	if err != nil {
		return err
	}
	// maxNumberOfBlockLength 包含 SID 和块序号
	chunkSize := maxBlock - 2
	if chunkSize <= 0 {
		return fmt.Errorf("ECU 块长度 %d 过小", maxBlock)
	}

	c.log.Info().Int("segment", index).Uint32("address", address).Int("size", len(data)).Int("block", maxBlock).Msg("开始下载数据段")

	var sequence byte = 1
	sent := 0
	for _, block := range SplitBlock(data, chunkSize) {
		req := append([]byte{SIDTransferData, sequence}, block...)
		resp, err := c.RequestWithContext(ctx, req, DefaultRequestOptions())
		if err != nil {
			return fmt.Errorf("TransferData 块 0x%02X: %w", sequence, err)
		}
		if len(resp) < 2 || resp[1] != sequence {
			return fmt.Errorf("TransferData 块序号不匹配: 期望 0x%02X, 响应 % X", sequence, resp)
		}
		sent += len(block)
		if progress != nil {
			progress(index, address, sent, len(data))
		}
		sequence++ // 0xFF 之后回绕到 0x00
	}

	if _, err := c.RequestWithContext(ctx, []byte{SIDRequestTransferExit}, DefaultRequestOptions()); err != nil {
		return fmt.Errorf("RequestTransferExit: %w", err)
	}
	return nil
}

// parseMaxBlockLength 解析 0x74 响应: lengthFormatIdentifier 高 4 位为长度字节数
func parseMaxBlockLength(resp []byte) (int, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("RequestDownload 响应过短: % X", resp)
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 4 || len(resp) < 2+n {
		return 0, fmt.Errorf("RequestDownload 响应长度格式错误: % X", resp)
	}
	return int(BigToInt(resp[2 : 2+n])), nil
}
