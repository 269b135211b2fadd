//go:build !linux

package main

import (
	"errors"
	"os"
)

const rawModeSupported = false

func makeRaw(int) (func(), error) {
	return nil, errors.New("raw terminal mode is not supported on this platform")
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
