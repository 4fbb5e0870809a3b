package binimage

import "errors"

var errShortBuffer = errors.New("binimage: buffer too short to decode")
