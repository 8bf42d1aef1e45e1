package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"projecthub/domain"
)

const maxBodySize = 64 << 10

var errBodyTooLarge = errors.New("request body too large")

// decodeBody reads a size-limited JSON body, rejecting unknown fields.
func decodeBody(c echo.Context, dst any) error {
	lr := &io.LimitedReader{R: c.Request().Body, N: maxBodySize + 1}
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if lr.N <= 0 {
			return &domain.ValidationError{Field: "body", Reason: errBodyTooLarge.Error()}
		}
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if lr.N <= 0 {
		return &domain.ValidationError{Field: "body", Reason: errBodyTooLarge.Error()}
	}
	return nil
}

// readPhoto reads a raw image upload, allowing one byte past the limit so
// oversize uploads are reported as such.
func readPhoto(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, domain.MaxPhotoBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	return data, nil
}

// sonicSerializer encodes responses with sonic.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	return decodeBody(c, i)
}
