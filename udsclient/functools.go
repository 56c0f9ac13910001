package udsclient

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// SplitBlock 把数据按 blockSize 拆分, 最后一块可能不足 blockSize
func SplitBlock(data []byte, blockSize int) [][]byte {
	if blockSize <= 0 {
		return nil
	}
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// IntToBig 把 uint32 编码为 4 字节大端序
func IntToBig(num uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, num)
	return buf
}

// BigToInt 把最多 4 字节的大端序数据解码为 uint32, 不足 4 字节时高位补零
func BigToInt(buf []byte) uint32 {
	if len(buf) > 4 {
		buf = buf[len(buf)-4:]
	}
	if len(buf) < 4 {
		padded := make([]byte, 4)
		copy(padded[4-len(buf):], buf)
		buf = padded
	}
	return binary.BigEndian.Uint32(buf)
}

// HexStringToByteSlice 解析 32 个字符的十六进制字符串 (AES-128 密钥)
func HexStringToByteSlice(hexStr string) ([]byte, error) {
	if len(hexStr) != 32 {
		return nil, fmt.Errorf("input string must be 32 characters long")
	}
	result := make([]byte, 16)
	for i := 0; i < 16; i++ {
		val, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex string at position %d: %v", i, err)
		}
		result[i] = byte(val)
	}
	return result, nil
}
