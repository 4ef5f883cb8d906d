package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	FrameTypeConnect    byte = 1 // 认证请求
	FrameTypeEvent      byte = 2 // 普通入站事件
	FrameTypeConnectAck byte = 3 // 认证响应
	FrameTypePush       byte = 4 // 服务端推送

	DefaultMaxFrameSize = 1 << 20
)

// ReadFrame 从流中读取一帧，body 超过 maxSize 时报错
func ReadFrame(r io.Reader, maxSize int) (byte, []byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return 0, nil, fmt.Errorf("frame too large: %d > %d", length, maxSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header[4], body, nil
}

// AppendFrame 把帧头和 body 追加到 dst，一次 Write 写出整帧
func AppendFrame(dst []byte, frameType byte, body []byte) []byte {
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	header[4] = frameType
	dst = append(dst, header[:]...)
	return append(dst, body...)
}

// WriteFrame 写出带帧头的数据
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, FrameHeaderSize+len(body)), frameType, body))
	return err
}
