package splatfile

import "errors"

var (
	ErrInvalidMagic     = errors.New("splatfile: invalid magic")
	ErrUnsupportedMajor = errors.New("splatfile: unsupported major version")
	ErrUnsupportedMinor = errors.New("splatfile: unsupported section version")
	ErrCorruptFile      = errors.New("splatfile: corrupt file")
	ErrNotFound         = errors.New("splatfile: not found")
)
