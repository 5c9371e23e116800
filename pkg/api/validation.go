package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

// PatternRequest is the body of /add and /remove.
type PatternRequest struct {
	Pattern string `json:"pattern" validate:"required,max=255"`
}

// ModeRequest is the body of /mode. BlockIP is only consulted when Mode is
// redirect; its IPv4 check is done by the state so both paths agree.
type ModeRequest struct {
	Mode    string `json:"mode" validate:"required,max=32"`
	BlockIP string `json:"block_ip" validate:"max=64"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their JSON name.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeRequest reads a JSON body into dst and validates it. An empty body
// decodes as the zero value, so it fails as a missing field.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	e := fieldErrs[0]
	switch e.Tag() {
	case "required":
		return fmt.Errorf("missing %s", e.Field())
	case "max":
		return fmt.Errorf("%s too long (max %s)", e.Field(), e.Param())
	default:
		return fmt.Errorf("invalid %s", e.Field())
	}
}
