package contentcipher

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const watermarkInfo = "codemarket/watermark/v1"

// DefaultPreviewLines is the excerpt length used when none is configured.
const DefaultPreviewLines = 10

// Preview is a redacted excerpt of an artifact plus its attribution watermark.
type Preview struct {
	Excerpt    string `json:"preview"`
	Watermark  string `json:"watermark"`
	TotalLines int    `json:"total_lines"`
}

// WatermarkClaims is what a watermark carries.
type WatermarkClaims struct {
	Marker   string    `json:"marker"`
	IssuedAt time.Time `json:"issued_at"`
}

// Watermarker produces and traces preview watermarks under a key derived from the process secret.
type Watermarker struct {
	key []byte
	now func() time.Time
}

func NewWatermarker(secret []byte) (*Watermarker, error) {
	key, err := DeriveKey(secret, watermarkInfo)
	if err != nil {
		return nil, err
	}
	return &Watermarker{key: key, now: time.Now}, nil
}

// Preview returns the first maxLines lines of plaintext. The full content is
// never returned when the artifact is longer than maxLines.
func (w *Watermarker) Preview(plaintext []byte, maxLines int, marker string) (Preview, error) {
	if maxLines <= 0 {
		maxLines = DefaultPreviewLines
	}
	lines := strings.Split(string(plaintext), "\n")
	n := len(lines)
	if n > maxLines {
		lines = lines[:maxLines]
	}
	mark, err := w.Mark(marker)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Excerpt:    strings.Join(lines, "\n"),
		Watermark:  mark,
		TotalLines: n,
	}, nil
}

// Mark seals {marker, issued_at} into an opaque token.
func (w *Watermarker) Mark(marker string) (string, error) {
	b, err := json.Marshal(WatermarkClaims{Marker: marker, IssuedAt: w.now().UTC()})
	if err != nil {
		return "", err
	}
	sealed, err := Seal(w.key, b)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Trace recovers the attribution claims from a watermark.
func (w *Watermarker) Trace(watermark string) (WatermarkClaims, error) {
	var claims WatermarkClaims
	sealed, err := base64.RawURLEncoding.DecodeString(watermark)
	if err != nil {
		return claims, err
	}
	b, err := Open(w.key, sealed)
	if err != nil {
		return claims, err
	}
	err = json.Unmarshal(b, &claims)
	return claims, err
}
