package protocol

import (
	"net/url"
	"strconv"
)

// Params is the flat key-value body form used by every structured packet.
// Keys may repeat; order of repeated values is preserved.
type Params url.Values

// ParseParams decodes a packet body.
func ParseParams(body string) (Params, error) {
	if body == "" {
		return Params{}, nil
	}
	v, err := url.ParseQuery(body)
	if err != nil {
		return nil, err
	}
	return Params(v), nil
}

// Encode returns the body form of p.
func (p Params) Encode() string {
	return url.Values(p).Encode()
}

// Get returns the first value for key.
func (p Params) Get(key string) string {
	return url.Values(p).Get(key)
}

// Set replaces the values for key.
func (p Params) Set(key, value string) {
	url.Values(p).Set(key, value)
}

// Add appends a value for key.
func (p Params) Add(key, value string) {
	url.Values(p).Add(key, value)
}

// All returns every value for key.
func (p Params) All(key string) []string {
	return p[key]
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	return url.Values(p).Has(key)
}

// SetBool stores a boolean as "1" or "0".
func (p Params) SetBool(key string, b bool) {
	if b {
		p.Set(key, "1")
	} else {
		p.Set(key, "0")
	}
}

// Bool reads a boolean stored with SetBool.
func (p Params) Bool(key string) bool {
	v := p.Get(key)
	return v == "1" || v == "true"
}

// SetInt stores an integer.
func (p Params) SetInt(key string, n int64) {
	p.Set(key, strconv.FormatInt(n, 10))
}

// Int reads an integer, returning 0 when absent or malformed.
func (p Params) Int(key string) int64 {
	n, _ := strconv.ParseInt(p.Get(key), 10, 64)
	return n
}
