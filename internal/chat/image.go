package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrInvalidImage is returned for uploads that are empty, too large or not a
// supported image type.
var ErrInvalidImage = errors.New("invalid image")

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Image is a validated upload ready to attach to a user turn.
type Image struct {
	Data     string
	MIMEType string
}

// ReadImage reads at most the configured limit from r, sniffs the content
// type and base64-encodes the payload.
func (s *Service) ReadImage(r io.Reader) (*Image, error) {
	raw, err := io.ReadAll(io.LimitReader(r, s.maxImage+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return s.DecodeImage(raw)
}

// DecodeImage validates raw image bytes.
func (s *Service) DecodeImage(raw []byte) (*Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	if int64(len(raw)) > s.maxImage {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, s.maxImage)
	}

	mimeType, _, _ := strings.Cut(http.DetectContentType(raw), ";")
	if !allowedImageTypes[mimeType] {
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidImage, mimeType)
	}

	return &Image{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MIMEType: mimeType,
	}, nil
}
