package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"microbpf/internal/helper"
)

// ExecuteRequest is the decoded form of the on-wire `C|HH...HH` execute
// request: a packed configuration byte plus a compact hex-encoded
// allowed-helper list.
type ExecuteRequest struct {
	Config         Config
	AllowedHelpers []helper.ID
}

// EncodeExecuteRequest renders req as `C|HH...HH`, C in decimal and the
// helper list as lowercase hex, one byte (two hex digits) per ID.
func EncodeExecuteRequest(req ExecuteRequest) (string, error) {
	b, err := EncodeConfig(req.Config)
	if err != nil {
		return "", err
	}
	raw := helper.EncodeCompactList(req.AllowedHelpers)
	return fmt.Sprintf("%d|%s", b, hex.EncodeToString(raw)), nil
}

// DecodeExecuteRequest parses s back into an ExecuteRequest. An empty
// helper segment (`"4|"`) decodes to a nil/empty allowed list; an empty
// string means no helpers.
func DecodeExecuteRequest(s string) (ExecuteRequest, error) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return ExecuteRequest{}, fmt.Errorf("%w: missing '|' separator", ErrMalformedRequest)
	}

	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 || n > 0xff {
		return ExecuteRequest{}, fmt.Errorf("%w: invalid configuration byte %q", ErrMalformedRequest, parts[0])
	}

	raw, err := hex.DecodeString(parts[1])
	if err != nil {
		return ExecuteRequest{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	return ExecuteRequest{
		Config:         DecodeConfig(byte(n)),
		AllowedHelpers: helper.DecodeCompactList(raw),
	}, nil
}

// FetchRequest is the decoded form of the small structured fetch-request
// payload: `{ip, riot_netif, manifest, config, erase, helpers}`. Clients
// may encode it however they like, provided the decoder accepts it; this
// build settles on JSON, the idiomatic choice for a small structured
// payload.
type FetchRequest struct {
	IP        string `json:"ip"`
	RiotNetif string `json:"riot_netif"`
	Manifest  string `json:"manifest"`
	Config    byte   `json:"config"`
	Erase     bool   `json:"erase"`
	Helpers   []byte `json:"helpers"`
}

// EncodeFetchRequest renders req as JSON.
func EncodeFetchRequest(req FetchRequest) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeFetchRequest parses raw into a FetchRequest.
func DecodeFetchRequest(raw []byte) (FetchRequest, error) {
	var req FetchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return FetchRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return req, nil
}

// DecodedConfig unpacks req's packed configuration byte.
func (req FetchRequest) DecodedConfig() Config {
	return DecodeConfig(req.Config)
}

// AllowedHelpers decodes req's compact helper-ID list.
func (req FetchRequest) AllowedHelpers() []helper.ID {
	return helper.DecodeCompactList(req.Helpers)
}
