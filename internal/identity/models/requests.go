package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	dErrors "reconciler/pkg/domain-errors"
)

const (
	maxEmailLength = 254
	maxPhoneLength = 32
)

// PhoneNumber accepts a JSON string or number. Integer literals keep their
// digits; other numbers are written in their shortest plain decimal form, so
// 1e3 and 1000 decode to the same value.
type PhoneNumber string

// UnmarshalJSON implements json.Unmarshaler.
func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneNumber(s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	n, ok := v.(json.Number)
	if !ok {
		return dErrors.New(dErrors.CodeBadRequest, "phoneNumber must be a string or a number")
	}
	text, err := canonicalNumber(n)
	if err != nil {
		return err
	}
	*p = PhoneNumber(text)
	return nil
}

func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if isIntegerLiteral(s) {
		return s, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", dErrors.New(dErrors.CodeBadRequest, "phoneNumber is not a representable number")
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func isIntegerLiteral(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IdentifyRequest is the body of POST /identify.
type IdentifyRequest struct {
	Email       *string      `json:"email"`
	PhoneNumber *PhoneNumber `json:"phoneNumber"`
}

// Normalize trims both fields and drops empty ones.
func (r *IdentifyRequest) Normalize() {
	if r == nil {
		return
	}
	if r.Email != nil {
		v := strings.TrimSpace(*r.Email)
		r.Email = &v
		if v == "" {
			r.Email = nil
		}
	}
	if r.PhoneNumber != nil {
		v := PhoneNumber(strings.TrimSpace(string(*r.PhoneNumber)))
		r.PhoneNumber = &v
		if v == "" {
			r.PhoneNumber = nil
		}
	}
}

// Validate normalizes the request and checks that at least one field remains.
func (r *IdentifyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	r.Normalize()
	if r.Email == nil && r.PhoneNumber == nil {
		return dErrors.New(dErrors.CodeBadRequest, "email or phoneNumber is required")
	}
	if r.Email != nil && len(*r.Email) > maxEmailLength {
		return dErrors.New(dErrors.CodeValidation, "email must be 254 characters or less")
	}
	if r.PhoneNumber != nil && len(*r.PhoneNumber) > maxPhoneLength {
		return dErrors.New(dErrors.CodeValidation, "phoneNumber must be 32 characters or less")
	}
	return nil
}

// Phone returns the phone number as a plain string pointer.
func (r *IdentifyRequest) Phone() *string {
	if r.PhoneNumber == nil {
		return nil
	}
	v := string(*r.PhoneNumber)
	return &v
}
