package httpserver

import (
	"encoding/base64"

	"github.com/cockroachdb/errors"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	dataURLPrefix = "data:image/png;base64,"
)

// QRRenderer 将登录码渲染为 PNG data URL。
type QRRenderer struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewQRRenderer() *QRRenderer {
	return &QRRenderer{Size: defaultQRSize, Level: qrcode.Medium}
}

// DataURL 返回 data:image/png;base64,... 形式的图片。
func (r *QRRenderer) DataURL(content string) (string, error) {
	size := r.Size
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := qrcode.Encode(content, r.Level, size)
	if err != nil {
		return "", errors.Wrap(err, "encode login code image")
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
